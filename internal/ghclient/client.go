// Package ghclient wraps the subset of the GitHub REST and GraphQL APIs
// Conductor needs to drive its board, pull requests, and issues.
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
)

// Client is the source-forge surface Conductor depends on.
type Client interface {
	// GetRepositoryTree fetches the default branch's file tree, truncated by
	// the caller. Hidden directories (leading dot) are skipped.
	GetRepositoryTree(ctx context.Context, owner, repo string) ([]string, error)

	// GetDefaultBranch resolves a repository's default branch name.
	GetDefaultBranch(ctx context.Context, owner, repo string) (string, error)

	// GetFileContent fetches one file's content from the default branch.
	// Returns ("", nil) if the file does not exist.
	GetFileContent(ctx context.Context, owner, repo, path string) (string, error)

	// CompareCommits diffs base..head and returns each changed file's path
	// and unified patch.
	CompareCommits(ctx context.Context, owner, repo, base, head string) ([]FileDiff, error)

	// CreatePullRequest opens a PR from head into base.
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*github.PullRequest, error)

	// GetPullRequestByBranch finds an open PR with the given head branch.
	// Returns nil, nil if no matching PR is found.
	GetPullRequestByBranch(ctx context.Context, owner, repo, branch string) (*github.PullRequest, error)

	// CreateComment posts a comment on an issue or PR.
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error)

	// CreateIssue opens an issue with the given title, body, and labels.
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*github.Issue, error)

	// MarkPRReadyForReview transitions a draft PR to ready-for-review.
	MarkPRReadyForReview(ctx context.Context, owner, repo string, prNumber int) error

	// AddIssueToProject adds an issue or PR (by GraphQL node id) to a
	// ProjectV2 board and returns the created project item id.
	AddIssueToProject(ctx context.Context, projectID, contentNodeID string) (string, error)

	// MoveProjectItem sets a single-select status field (e.g. the board
	// column) on a project item.
	MoveProjectItem(ctx context.Context, projectID, itemID, fieldID, optionID string) error

	// GetProjectStatusField resolves a ProjectV2 single-select field's id
	// and its option ids by name, for MoveProjectItem.
	GetProjectStatusField(ctx context.Context, projectID, fieldName string) (fieldID string, options map[string]string, err error)

	// GetProjectItem resolves one ProjectV2 item's current value of the
	// named single-select field plus its linked issue/PR content, since the
	// projects_v2_item webhook event carries only node ids.
	GetProjectItem(ctx context.Context, itemID, statusFieldName string) (*ProjectItemDetails, error)

	// ListIssueComments lists an issue's (or PR's) comments oldest-first.
	ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error)

	// ListPullRequestReviews lists a PR's submitted reviews oldest-first.
	ListPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error)
}

// ProjectItemDetails is the resolved status and linked content of one
// ProjectV2 item, since GitHub's projects_v2_item webhook event only carries
// node ids (spec §4.12: "Query the current status of the item").
type ProjectItemDetails struct {
	ContentNodeID      string
	RepositoryFullName string
	IssueNumber        int
	Title              string
	Body               string
	Status             string
}

// FileDiff is one changed file from a commit comparison: its path and the
// unified patch GitHub's compare API returns for it. Patch is empty for
// binary files or files too large for GitHub to render a patch.
type FileDiff struct {
	Filename string
	Patch    string
}

type clientImpl struct {
	gh    *github.Client
	token string
}

// NewClient creates a GitHub client authenticated with the given
// installation or personal access token. Returns nil if token is empty.
func NewClient(token string) Client {
	if token == "" {
		return nil
	}
	return &clientImpl{gh: github.NewClient(nil).WithAuthToken(token), token: token}
}

// NewClientWithGitHub builds a Client from an existing *github.Client, used
// in tests to inject a client pointing at an httptest server.
func NewClientWithGitHub(gh *github.Client, token string) Client {
	return &clientImpl{gh: gh, token: token}
}

func (c *clientImpl) GetRepositoryTree(ctx context.Context, owner, repo string) ([]string, error) {
	repository, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	branch := repository.GetDefaultBranch()

	tree, _, err := c.gh.Git.GetTree(ctx, owner, repo, branch, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	var paths []string
	for _, entry := range tree.Entries {
		path := entry.GetPath()
		if entry.GetType() != "blob" || strings.HasPrefix(path, ".") || strings.Contains(path, "/.") {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (c *clientImpl) GetDefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	repository, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("failed to get repository: %w", err)
	}
	return repository.GetDefaultBranch(), nil
}

func (c *clientImpl) GetFileContent(ctx context.Context, owner, repo, path string) (string, error) {
	content, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, nil)
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get file content for %s: %w", path, err)
	}
	if content == nil {
		return "", nil
	}
	return content.GetContent()
}

func (c *clientImpl) CompareCommits(ctx context.Context, owner, repo, base, head string) ([]FileDiff, error) {
	comparison, _, err := c.gh.Repositories.CompareCommits(ctx, owner, repo, base, head, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compare commits: %w", err)
	}
	diffs := make([]FileDiff, 0, len(comparison.Files))
	for _, f := range comparison.Files {
		diffs = append(diffs, FileDiff{Filename: f.GetFilename(), Patch: f.GetPatch()})
	}
	return diffs, nil
}

func (c *clientImpl) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*github.PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
	})
	return pr, err
}

func (c *clientImpl) GetPullRequestByBranch(ctx context.Context, owner, repo, branch string) (*github.PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:        owner + ":" + branch,
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

func (c *clientImpl) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	comment, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	return comment, err
}

func (c *clientImpl) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*github.Issue, error) {
	issue, _, err := c.gh.Issues.Create(ctx, owner, repo, &github.IssueRequest{
		Title:  github.Ptr(title),
		Body:   github.Ptr(body),
		Labels: &labels,
	})
	return issue, err
}

func (c *clientImpl) MarkPRReadyForReview(ctx context.Context, owner, repo string, prNumber int) error {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return fmt.Errorf("failed to get PR: %w", err)
	}
	if !pr.GetDraft() {
		return nil
	}

	draft := false
	_, _, restErr := c.gh.PullRequests.Edit(ctx, owner, repo, prNumber, &github.PullRequest{Draft: &draft})
	if restErr == nil {
		updated, _, verifyErr := c.gh.PullRequests.Get(ctx, owner, repo, prNumber)
		if verifyErr == nil && !updated.GetDraft() {
			return nil
		}
	}

	nodeID := pr.GetNodeID()
	if nodeID == "" {
		return fmt.Errorf("PR %d has no node ID; REST also failed: %v", prNumber, restErr)
	}
	return c.graphqlMutate(ctx, `mutation($id: ID!) {
		markPullRequestReadyForReview(input: {pullRequestId: $id}) {
			pullRequest { isDraft }
		}
	}`, map[string]string{"id": nodeID})
}

func (c *clientImpl) AddIssueToProject(ctx context.Context, projectID, contentNodeID string) (string, error) {
	var result struct {
		Data struct {
			AddProjectV2ItemById struct {
				Item struct {
					ID string `json:"id"`
				} `json:"item"`
			} `json:"addProjectV2ItemById"`
		} `json:"data"`
	}
	if err := c.graphqlQuery(ctx, `mutation($project: ID!, $content: ID!) {
		addProjectV2ItemById(input: {projectId: $project, contentId: $content}) {
			item { id }
		}
	}`, map[string]string{"project": projectID, "content": contentNodeID}, &result); err != nil {
		return "", err
	}
	return result.Data.AddProjectV2ItemById.Item.ID, nil
}

func (c *clientImpl) GetProjectStatusField(ctx context.Context, projectID, fieldName string) (string, map[string]string, error) {
	var result struct {
		Data struct {
			Node struct {
				Fields struct {
					Nodes []struct {
						ID      string `json:"id"`
						Name    string `json:"name"`
						Options []struct {
							ID   string `json:"id"`
							Name string `json:"name"`
						} `json:"options"`
					} `json:"nodes"`
				} `json:"fields"`
			} `json:"node"`
		} `json:"data"`
	}
	if err := c.graphqlQuery(ctx, `query($project: ID!) {
		node(id: $project) {
			... on ProjectV2 {
				fields(first: 50) {
					nodes {
						... on ProjectV2SingleSelectField { id name options { id name } }
					}
				}
			}
		}
	}`, map[string]string{"project": projectID}, &result); err != nil {
		return "", nil, err
	}

	for _, field := range result.Data.Node.Fields.Nodes {
		if !strings.EqualFold(field.Name, fieldName) {
			continue
		}
		options := make(map[string]string, len(field.Options))
		for _, opt := range field.Options {
			options[opt.Name] = opt.ID
		}
		return field.ID, options, nil
	}
	return "", nil, fmt.Errorf("project field %q not found", fieldName)
}

func (c *clientImpl) GetProjectItem(ctx context.Context, itemID, statusFieldName string) (*ProjectItemDetails, error) {
	var result struct {
		Data struct {
			Node struct {
				FieldValueByName struct {
					Name string `json:"name"`
				} `json:"fieldValueByName"`
				Content struct {
					Title      string `json:"title"`
					Body       string `json:"body"`
					Number     int    `json:"number"`
					Repository struct {
						NameWithOwner string `json:"nameWithOwner"`
					} `json:"repository"`
					ID string `json:"id"`
				} `json:"content"`
			} `json:"node"`
		} `json:"data"`
	}

	if err := c.graphqlQuery(ctx, `query($item: ID!, $field: String!) {
		node(id: $item) {
			... on ProjectV2Item {
				fieldValueByName(name: $field) {
					... on ProjectV2ItemFieldSingleSelectValue { name }
				}
				content {
					... on Issue { title body number repository { nameWithOwner } id }
					... on PullRequest { title body number repository { nameWithOwner } id }
				}
			}
		}
	}`, map[string]string{"item": itemID, "field": statusFieldName}, &result); err != nil {
		return nil, err
	}

	n := result.Data.Node
	return &ProjectItemDetails{
		ContentNodeID:      n.Content.ID,
		RepositoryFullName: n.Content.Repository.NameWithOwner,
		IssueNumber:        n.Content.Number,
		Title:              n.Content.Title,
		Body:               n.Content.Body,
		Status:             n.FieldValueByName.Name,
	}, nil
}

func (c *clientImpl) ListIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error) {
	comments, _, err := c.gh.Issues.ListComments(ctx, owner, repo, number, &github.IssueListCommentsOptions{
		Sort:        github.Ptr("created"),
		Direction:   github.Ptr("asc"),
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list issue comments: %w", err)
	}
	return comments, nil
}

func (c *clientImpl) ListPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	reviews, _, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull request reviews: %w", err)
	}
	return reviews, nil
}

func (c *clientImpl) MoveProjectItem(ctx context.Context, projectID, itemID, fieldID, optionID string) error {
	return c.graphqlMutate(ctx, `mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $project, itemId: $item, fieldId: $field,
			value: { singleSelectOptionId: $option }
		}) { projectV2Item { id } }
	}`, map[string]interface{}{"project": projectID, "item": itemID, "field": fieldID, "option": optionID})
}

func (c *clientImpl) graphqlMutate(ctx context.Context, query string, variables interface{}) error {
	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	return c.graphqlQuery(ctx, query, variables, &result)
}

func (c *clientImpl) graphqlQuery(ctx context.Context, query string, variables interface{}, out interface{}) error {
	payload := map[string]interface{}{"query": query, "variables": variables}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal GraphQL request: %w", err)
	}

	graphqlURL := "https://api.github.com/graphql"
	if base := c.gh.BaseURL.String(); base != "" && base != "https://api.github.com/" {
		graphqlURL = base + "graphql"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphqlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create GraphQL request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GraphQL request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GraphQL returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read GraphQL response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil
	}

	var errCheck struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &errCheck); err == nil && len(errCheck.Errors) > 0 {
		return fmt.Errorf("GraphQL error: %s", errCheck.Errors[0].Message)
	}
	return nil
}

// --- PR URL Parser ---

var prURLRegex = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/pull/(\d+)`)

// PRReference holds the parsed components of a GitHub PR URL.
type PRReference struct {
	Owner  string
	Repo   string
	Number int
}

// ParsePRURL parses a GitHub pull request URL into its owner, repo, and
// number.
func ParsePRURL(rawURL string) (*PRReference, error) {
	matches := prURLRegex.FindStringSubmatch(rawURL)
	if matches == nil {
		return nil, fmt.Errorf("invalid GitHub PR URL: %q", rawURL)
	}
	number, err := strconv.Atoi(matches[3])
	if err != nil {
		return nil, fmt.Errorf("invalid PR number in URL %q: %w", rawURL, err)
	}
	return &PRReference{Owner: matches[1], Repo: matches[2], Number: number}, nil
}
