package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_ParsesRecognisedLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("should be filtered")
	assert.Empty(t, buf.String())

	log.Warn().Msg("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestNew_FallsBackToInfoOnUnrecognisedLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "not-a-level")
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNew_IsCaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "ERROR")
	assert.Equal(t, zerolog.ErrorLevel, log.GetLevel())
}

func TestNew_IncludesTimestamp(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info")
	log.Info().Msg("hello")
	assert.True(t, strings.Contains(buf.String(), `"time"`))
}

func TestDefault_ReturnsInfoLevelLogger(t *testing.T) {
	log := Default()
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}
