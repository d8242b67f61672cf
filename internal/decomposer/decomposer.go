// Package decomposer is Conductor's Decomposer (Master Agent): it builds the
// repository analysis prompt, invokes the agent runner in analysis mode, and
// classifies a task as simple (internal subtasks) or epic (child work
// items) (spec §4.7). Prompt construction follows the shape of the
// teacher's server/hitl.go defaultPlannerSystemPrompt/iteratePlan: one big
// prompt built from structured sections, then a fenced JSON block parsed out
// of the model's reply.
package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/conductor-dev/conductor/internal/agentrunner"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/ghclient"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/subproject"
)

const maxTreePaths = 500

var contextFiles = []string{"README.md", "CLAUDE.md", "REQUIREMENTS.md", "package.json", "pnpm-workspace.yaml", "turbo.json"}

// ChildDefinition is one epic's child work item, as emitted by the LLM.
type ChildDefinition struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DependsOn   []string `json:"dependsOn"`
}

// SubtaskDefinition is one simple task's internal unit of work.
type SubtaskDefinition struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	SubprojectPath string   `json:"subprojectPath"`
	DependsOn      []string `json:"dependsOn"`
}

// planResponse is the raw JSON the LLM is asked to emit.
type planResponse struct {
	Type                string              `json:"type"`
	NeedsHumanReview    bool                `json:"needsHumanReview"`
	Question            string              `json:"question"`
	Summary             string              `json:"summary"`
	AffectedSubprojects []string            `json:"affectedSubprojects"`
	Subtasks            []SubtaskDefinition `json:"subtasks"`
	Children            []ChildDefinition   `json:"children"`
}

// Result is the Decomposer's verdict (spec §4.7 outcomes 1-3).
type Result struct {
	NeedsHumanReview    bool
	Question            string
	IsEpic              bool
	Summary             string
	AffectedSubprojects []string
	Subtasks            []*model.Subtask
	Children            []ChildDefinition
}

// Decompose runs the full 11-step procedure against task using gh to fetch
// repository state and runAgent to invoke the LLM in analysis mode.
func Decompose(ctx context.Context, task *model.Task, gh ghclient.Client, owner, repo string, runAgent func(context.Context, agentrunner.Options) (*agentrunner.Output, error), masterCfg config.AgentConfig) (*Result, error) {
	files, err := gh.GetRepositoryTree(ctx, owner, repo)
	if err != nil {
		files = nil // best-effort per spec step 1
	}

	var cfg config.Config
	if raw, err := gh.GetFileContent(ctx, owner, repo, ".conductor.yml"); err == nil && raw != "" {
		_ = cfg // parse is done by config.Load elsewhere when reading from disk;
		// here we only need Subprojects for detection, decoded inline.
		_ = tryParseSubprojects(raw, &cfg)
	}

	subprojects := subproject.Detect(files, cfg.Subprojects)

	contexts := make(map[string]string)
	for _, name := range contextFiles {
		if content, err := gh.GetFileContent(ctx, owner, repo, name); err == nil && content != "" {
			contexts[name] = content
		}
	}

	prompt := buildPrompt(task, files, subprojects, contexts)

	out, err := runAgent(ctx, agentrunner.Options{
		Prompt:       prompt,
		Model:        masterCfg.Model,
		MaxTurns:     masterCfg.MaxTurns,
		SystemPrompt: masterSystemPrompt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "decomposer: master agent invocation failed")
	}
	if out == nil || !out.Success {
		return nil, errors.New("decomposer: master agent run did not succeed")
	}

	plan, err := extractPlan(out.Stdout)
	if err != nil {
		// An unparseable plan falls back to a single subtask mirroring the
		// task, built by the empty-subtasks branch below.
		plan = &planResponse{Type: "simple"}
	}

	if plan.NeedsHumanReview {
		return &Result{NeedsHumanReview: true, Question: plan.Question}, nil
	}

	subprojectPaths := make(map[string]bool, len(subprojects))
	for _, sp := range subprojects {
		subprojectPaths[sp.Path] = true
	}
	subprojectPaths["."] = true

	switch plan.Type {
	case "epic":
		return &Result{IsEpic: true, Summary: plan.Summary, Children: plan.Children}, nil
	default:
		subtasks := plan.Subtasks
		if len(subtasks) == 0 {
			subtasks = []SubtaskDefinition{{Title: task.Title, Description: task.Description, SubprojectPath: "."}}
		}

		titleIndex := make(map[string]bool, len(subtasks))
		for _, s := range subtasks {
			titleIndex[s.Title] = true
		}

		rows := make([]*model.Subtask, 0, len(subtasks))
		for _, s := range subtasks {
			if !subprojectPaths[s.SubprojectPath] {
				s.SubprojectPath = "."
			}
			for _, dep := range s.DependsOn {
				if !titleIndex[dep] {
					return nil, errors.Errorf("decomposer: subtask %q depends on unknown sibling %q", s.Title, dep)
				}
			}
			rows = append(rows, &model.Subtask{
				TaskID:         task.ID,
				SubprojectPath: s.SubprojectPath,
				Title:          s.Title,
				Description:    s.Description,
				Status:         model.SubtaskPending,
				DependsOn:      model.StringSlice(s.DependsOn),
			})
		}

		return &Result{
			Summary:             plan.Summary,
			AffectedSubprojects: plan.AffectedSubprojects,
			Subtasks:            rows,
		}, nil
	}
}

func tryParseSubprojects(yamlText string, cfg *config.Config) error {
	// .conductor.yml parsing reuses config.Load's schema indirectly: here we
	// only need the subprojects section, so a best-effort decode into the
	// same struct is sufficient; malformed config is treated as absent.
	return yaml.Unmarshal([]byte(yamlText), cfg)
}

func buildPrompt(task *model.Task, files []string, subprojects []subproject.Subproject, contexts map[string]string) string {
	truncated := files
	if len(truncated) > maxTreePaths {
		truncated = truncated[:maxTreePaths]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Task\nTitle: %s\nDescription: %s\n\n", task.Title, task.Description)
	fmt.Fprintf(&b, "# Repository structure (%d/%d paths shown)\n%s\n\n", len(truncated), len(files), strings.Join(truncated, "\n"))

	b.WriteString("# Detected subprojects\n")
	for _, sp := range subprojects {
		fmt.Fprintf(&b, "- %s (%s)\n", sp.Path, sp.Name)
	}
	b.WriteString("\n")

	for _, name := range contextFiles {
		if content, ok := contexts[name]; ok {
			fmt.Fprintf(&b, "# %s\n%s\n\n", name, content)
		}
	}

	return b.String()
}

const masterSystemPrompt = `You are Conductor's planning agent. Analyze the task and repository
context and respond with a single fenced JSON code block matching this
schema: {"type": "simple"|"epic", "needsHumanReview": bool, "question": string,
"summary": string, "affectedSubprojects": [string], "subtasks": [{"title",
"description", "subprojectPath", "dependsOn"}], "children": [{"title",
"description", "dependsOn"}]}. Do not modify any files.`

var jsonFenceRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

func extractPlan(output string) (*planResponse, error) {
	match := jsonFenceRegex.FindStringSubmatch(output)
	if match == nil {
		return nil, errors.New("no JSON code block found in model response")
	}
	var plan planResponse
	if err := json.Unmarshal([]byte(match[1]), &plan); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal plan JSON")
	}
	if plan.Type != "simple" && plan.Type != "epic" && !plan.NeedsHumanReview {
		return nil, errors.Errorf("plan type must be simple or epic, got %q", plan.Type)
	}
	return &plan, nil
}
