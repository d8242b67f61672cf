package workspace

import (
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName renders pattern (spec §6 workflow.branchPattern) against a task
// id and title. {task_id} expands to the first 8 characters of taskID;
// {short_description} expands to title lowercased, with runs of non-alnum
// characters collapsed to a single hyphen, trimmed, and capped at 50 chars.
// It is a pure function of its inputs, satisfying the idempotence law of
// spec §8.
func BranchName(pattern, taskID, title string) string {
	shortID := taskID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	short := strings.ToLower(title)
	short = nonAlnum.ReplaceAllString(short, "-")
	short = strings.Trim(short, "-")
	if len(short) > 50 {
		short = short[:50]
		short = strings.TrimRight(short, "-")
	}

	out := strings.ReplaceAll(pattern, "{task_id}", shortID)
	out = strings.ReplaceAll(out, "{short_description}", short)
	return out
}
