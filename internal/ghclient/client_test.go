package ghclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURLPath = "/api-v3"

// setup creates a test HTTP server and a go-github Client configured to talk
// to it. Handlers registered on the returned mux receive requests with
// baseURLPath stripped.
func setup(t *testing.T) (client Client, mux *http.ServeMux, serverURL string) {
	t.Helper()

	mux = http.NewServeMux()

	apiHandler := http.NewServeMux()
	apiHandler.Handle(baseURLPath+"/", http.StripPrefix(baseURLPath, mux))

	server := httptest.NewServer(apiHandler)
	t.Cleanup(server.Close)

	ghClient := github.NewClient(nil)
	u, _ := url.Parse(server.URL + baseURLPath + "/")
	ghClient.BaseURL = u

	return NewClientWithGitHub(ghClient, "test-token"), mux, server.URL
}

func TestGetDefaultBranch(t *testing.T) {
	client, mux, _ := setup(t)

	mux.HandleFunc("/repos/owner/repo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = fmt.Fprint(w, `{"default_branch":"develop"}`)
	})

	branch, err := client.GetDefaultBranch(context.Background(), "owner", "repo")
	require.NoError(t, err)
	assert.Equal(t, "develop", branch)
}

func TestGetDefaultBranch_PropagatesError(t *testing.T) {
	client, mux, _ := setup(t)

	mux.HandleFunc("/repos/owner/repo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetDefaultBranch(context.Background(), "owner", "repo")
	assert.Error(t, err)
}

func TestGetRepositoryTree_SkipsHiddenPaths(t *testing.T) {
	client, mux, _ := setup(t)

	mux.HandleFunc("/repos/owner/repo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"default_branch":"main"}`)
	})
	mux.HandleFunc("/repos/owner/repo/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"sha":"abc","tree":[
			{"path":"main.go","type":"blob"},
			{"path":".github/workflows/ci.yml","type":"blob"},
			{"path":".git","type":"tree"},
			{"path":"internal","type":"tree"},
			{"path":"internal/foo.go","type":"blob"}
		]}`)
	})

	paths, err := client.GetRepositoryTree(context.Background(), "owner", "repo")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", "internal/foo.go"}, paths)
}

func TestGetFileContent_ReturnsEmptyOn404(t *testing.T) {
	client, mux, _ := setup(t)

	mux.HandleFunc("/repos/owner/repo/contents/missing.go", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	content, err := client.GetFileContent(context.Background(), "owner", "repo", "missing.go")
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestCreatePullRequest(t *testing.T) {
	client, mux, _ := setup(t)

	mux.HandleFunc("/repos/owner/repo/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"number":7,"title":"Add widgets"}`)
	})

	pr, err := client.CreatePullRequest(context.Background(), "owner", "repo", "Add widgets", "body", "feature", "main")
	require.NoError(t, err)
	assert.Equal(t, "Add widgets", pr.GetTitle())
}

func TestGetPullRequestByBranch_NoneFound(t *testing.T) {
	client, mux, _ := setup(t)

	mux.HandleFunc("/repos/owner/repo/pulls", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `[]`)
	})

	pr, err := client.GetPullRequestByBranch(context.Background(), "owner", "repo", "feature")
	require.NoError(t, err)
	assert.Nil(t, pr)
}

func TestParsePRURL(t *testing.T) {
	ref, err := ParsePRURL("https://github.com/acme/widgets/pull/42")
	require.NoError(t, err)
	assert.Equal(t, "acme", ref.Owner)
	assert.Equal(t, "widgets", ref.Repo)
	assert.Equal(t, 42, ref.Number)
}

func TestParsePRURL_Invalid(t *testing.T) {
	_, err := ParsePRURL("https://example.com/not-a-pr")
	assert.Error(t, err)
}
