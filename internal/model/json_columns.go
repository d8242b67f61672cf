package model

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// StringSlice is a []string persisted as a jsonb column (task.child_dependencies,
// subtask.depends_on, subtask.files_modified). lib/pq has no native []string
// Scanner for jsonb, so it round-trips through encoding/json the way the
// teacher's kvstore round-trips its record types through json.Marshal before
// writing them into the KV store.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	return string(b), err
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("model: cannot scan %T into StringSlice", src)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(s))
}

// ReviewIssues is a []ReviewIssue persisted as a jsonb column
// (code_reviews.issues).
type ReviewIssues []ReviewIssue

func (r ReviewIssues) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]ReviewIssue(r))
	return string(b), err
}

func (r *ReviewIssues) Scan(src interface{}) error {
	if src == nil {
		*r = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("model: cannot scan %T into ReviewIssues", src)
	}
	if len(raw) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]ReviewIssue)(r))
}
