// Package reviewer is Conductor's Reviewer: a diff-based LLM review pass
// with a pass-threshold, producing a CodeReview record (spec §4.8).
// Grounded on the teacher's server/reviewloop.go ReviewLoop/ReviewFinding
// shape — iteration counting and a pass-threshold on error-severity
// findings are carried over from "PR review loop against
// an external AI reviewer" to "review loop against Conductor's own agent".
package reviewer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/conductor-dev/conductor/internal/agentrunner"
	"github.com/conductor-dev/conductor/internal/ghclient"
	"github.com/conductor-dev/conductor/internal/model"
)

const defaultMaxIterations = 3

var reviewJSONRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Dependencies the Reviewer needs, injected so callers can substitute test
// doubles.
type Dependencies struct {
	GH           ghclient.Client
	RunAgent     func(context.Context, agentrunner.Options) (*agentrunner.Output, error)
	ReadWorkspaceFile func(path string) (string, error)
}

// Review runs one review pass. iteration is 1-based and counted by the
// caller (count of existing reviews + 1).
func Review(ctx context.Context, deps Dependencies, owner, repo, baseBranch, headBranch string, filesModified []string, iteration, maxIterations, passThreshold int, systemPrompt string, model_ string) (*model.CodeReview, error) {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	if iteration > maxIterations {
		return &model.CodeReview{
			Result:    model.ReviewFailed,
			Iteration: iteration,
			Summary:   "Maximum review iterations reached",
		}, nil
	}

	diffText, err := gatherDiff(ctx, deps, owner, repo, baseBranch, headBranch, filesModified)
	if err != nil {
		return nil, errors.Wrap(err, "reviewer: failed to gather diff")
	}

	prompt := buildReviewPrompt(filesModified, diffText)
	out, err := deps.RunAgent(ctx, agentrunner.Options{
		Prompt:       prompt,
		Model:        model_,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "reviewer: agent invocation failed")
	}
	if out == nil {
		return nil, errors.New("reviewer: agent returned no output")
	}

	parsed, err := parseReviewResponse(out.Stdout)
	if err != nil {
		return nil, errors.Wrap(err, "reviewer: failed to parse review response")
	}

	errorCount := 0
	for _, issue := range parsed.Issues {
		if issue.Severity == model.SeverityError {
			errorCount++
		}
	}
	result := parsed.Result
	if errorCount <= passThreshold {
		result = model.ReviewApproved
	}

	return &model.CodeReview{
		Result:    result,
		Iteration: iteration,
		Summary:   parsed.Summary,
		Issues:    model.ReviewIssues(parsed.Issues),
	}, nil
}

func gatherDiff(ctx context.Context, deps Dependencies, owner, repo, baseBranch, headBranch string, filesModified []string) (string, error) {
	if deps.GH != nil {
		if changed, err := deps.GH.CompareCommits(ctx, owner, repo, baseBranch, headBranch); err == nil {
			var b strings.Builder
			for _, f := range changed {
				if f.Patch == "" {
					fmt.Fprintf(&b, "--- %s ---\n(no patch available)\n\n", f.Filename)
					continue
				}
				fmt.Fprintf(&b, "--- %s ---\n%s\n\n", f.Filename, f.Patch)
			}
			return b.String(), nil
		}
	}

	if deps.ReadWorkspaceFile == nil {
		return "", errors.New("reviewer: no workspace file reader configured for fallback diff")
	}

	var b strings.Builder
	for _, path := range filesModified {
		after, err := deps.ReadWorkspaceFile(path)
		if err != nil {
			return "", errors.Wrapf(err, "reviewer: failed to read %s from workspace", path)
		}

		var before string
		if deps.GH != nil {
			before, _ = deps.GH.GetFileContent(ctx, owner, repo, path)
		}
		if before == "" {
			fmt.Fprintf(&b, "--- %s (new file) ---\n%s\n\n", path, after)
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", path, LocalDiff(before, after))
	}
	return b.String(), nil
}

// LocalDiff computes a textual diff between two file contents, used by
// gatherDiff's fallback when the source-forge compare-commits call fails and
// the file has non-empty content on the default branch.
func LocalDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	return dmp.DiffPrettyText(diffs)
}

func buildReviewPrompt(filesModified []string, diffText string) string {
	var b strings.Builder
	b.WriteString("Review the following change set. Respond with a single fenced JSON block: ")
	b.WriteString(`{"result": "approved"|"changes_requested"|"failed", "summary": string, `)
	b.WriteString(`"issues": [{"file", "line", "severity": "error"|"warning"|"suggestion", "message", "suggestion"}]}.`)
	b.WriteString("\n\nFiles modified:\n")
	b.WriteString(strings.Join(filesModified, "\n"))
	b.WriteString("\n\nDiff:\n")
	b.WriteString(diffText)
	return b.String()
}

type reviewResponse struct {
	Result  model.ReviewResult `json:"result"`
	Summary string             `json:"summary"`
	Issues  []model.ReviewIssue `json:"issues"`
}

func parseReviewResponse(output string) (*reviewResponse, error) {
	match := reviewJSONRegex.FindStringSubmatch(output)
	if match == nil {
		return nil, errors.New("no JSON code block found in review response")
	}
	var parsed reviewResponse
	if err := json.Unmarshal([]byte(match[1]), &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}
