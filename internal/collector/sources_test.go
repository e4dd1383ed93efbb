package collector

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tokenexporter.org/internal/exposition"
	"tokenexporter.org/internal/gitlab"
	"tokenexporter.org/internal/pathcache"
	"tokenexporter.org/internal/token"
)

// fakeGitLab answers a fixed set of API paths. Personal access token listings
// are keyed by user_id.
func fakeGitLab(t *testing.T, routes map[string]string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("PRIVATE-TOKEN") != "glpat-test" {
			http.Error(w, `{"message":"401 Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		key := r.URL.Path
		if key == "/api/v4/personal_access_tokens" {
			key += "?user_id=" + r.URL.Query().Get("user_id")
		}
		body, ok := routes[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func gitlabRoutes() map[string]string {
	routes := map[string]string{
		"/api/v4/projects":                 `[{"id":1,"path_with_namespace":"team/app","web_url":"https://gitlab.test/team/app"}]`,
		"/api/v4/projects/1/access_tokens": `[{"id":11,"name":"deploy","scopes":["api"],"access_level":40,"expires_at":"2024-03-20","active":true,"revoked":false}]`,
		"/api/v4/groups":                   `[{"id":2,"path":"team","full_path":"team","web_url":"https://gitlab.test/groups/team"},{"id":3,"path":"sub","parent_id":2,"web_url":"https://gitlab.test/groups/team/sub"}]`,
		"/api/v4/groups/2":                 `{"id":2,"path":"team","full_path":"team"}`,
		"/api/v4/groups/3":                 `{"id":3,"path":"sub","parent_id":2}`,
		"/api/v4/groups/2/access_tokens":   `[]`,
		"/api/v4/groups/3/access_tokens":   `[{"id":31,"name":"ci","scopes":["read_api"],"access_level":30,"expires_at":"2024-03-05","active":false,"revoked":true}]`,
		"/api/v4/user":                     `{"id":1,"username":"root","is_admin":true}`,
		"/api/v4/users":                    `[{"id":1,"username":"root","web_url":"https://gitlab.test/root"},{"id":5,"username":"project_1_bot_0123456789abcdef0123456789abcdef"}]`,
	}
	routes["/api/v4/personal_access_tokens?user_id=1"] = `[{"id":41,"name":"laptop","scopes":["api","read_user"],"user_id":1,"active":true}]`
	return routes
}

func newCollector(t *testing.T, srvURL string, skipUsers bool) *Collector {
	t.Helper()
	client, err := gitlab.NewClient(gitlab.Options{Hostname: srvURL, Token: "glpat-test", MaxConcurrent: 3})
	require.NoError(t, err)

	opts := ScanOptions{Fanout: 4}
	builder := exposition.New(exposition.Options{
		Now: func() time.Time { return time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC) },
	})
	return New(builder, nil,
		NewProjectSource(client, opts),
		NewGroupSource(client, opts),
		NewUserSource(client, opts, skipUsers),
	)
}

func TestCycleAgainstGitLab(t *testing.T) {
	var hits atomic.Int32
	srv := fakeGitLab(t, gitlabRoutes(), &hits)
	c := newCollector(t, srv.URL, false)

	st, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusLoaded, st.Status, st.Cause)

	doc := st.Document
	assert.Contains(t, doc, `gitlab_token_team_app_deploy{access_level="maintainer",active="true",expires_at="2024-03-20",path="team/app",revoked="false",scopes="[api]",token_kind="project",token_name="deploy",web_url="https://gitlab.test/team/app"} 10`)
	assert.Contains(t, doc, `gitlab_token_team_sub_ci{access_level="developer",active="false",expires_at="2024-03-05",path="team/sub",revoked="true",scopes="[read_api]",token_kind="group",token_name="ci",web_url="https://gitlab.test/groups/team/sub"} -5`)
	assert.Contains(t, doc, `gitlab_token_root_laptop{active="true",path="root",revoked="false",scopes="[api,read_user]",token_kind="user",token_name="laptop",web_url="https://gitlab.test/root"} +Inf`)
	assert.NotContains(t, doc, "project_1_bot")
}

func TestCycleWithUsersSkipped(t *testing.T) {
	routes := gitlabRoutes()
	delete(routes, "/api/v4/user")
	delete(routes, "/api/v4/users")

	var hits atomic.Int32
	srv := fakeGitLab(t, routes, &hits)
	c := newCollector(t, srv.URL, true)

	st, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusLoaded, st.Status, st.Cause)
	assert.NotContains(t, st.Document, "laptop")
}

func TestCycleFailsWhenProjectTokensFail(t *testing.T) {
	routes := gitlabRoutes()
	delete(routes, "/api/v4/projects/1/access_tokens")

	var hits atomic.Int32
	srv := fakeGitLab(t, routes, &hits)
	c := newCollector(t, srv.URL, false)

	st, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusError, st.Status)
	assert.Contains(t, st.Cause, "project")
	assert.Contains(t, st.Cause, "404")
	assert.Empty(t, st.Document)
}

func TestNonAdminCredentialSkipsUsers(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	api := &fakeUserAPI{me: gitlab.User{ID: 9, Username: "dev"}}
	src := NewUserSource(api, ScanOptions{Logger: zap.New(core).Sugar()}, false)

	toks, err := src.Scan(context.Background(), pathcache.New())
	require.NoError(t, err)
	assert.Empty(t, toks)
	assert.Zero(t, api.listed.Load())
	assert.Equal(t, 1, logs.FilterMessageSnippet("not an administrator").Len())
}

func TestCurrentUserFailureFailsUserDomain(t *testing.T) {
	api := &fakeUserAPI{meErr: errors.New("401")}
	src := NewUserSource(api, ScanOptions{}, false)

	_, err := src.Scan(context.Background(), pathcache.New())
	require.Error(t, err)
}

func TestSkippedUserDomainNeverCallsGitLab(t *testing.T) {
	api := &fakeUserAPI{meErr: errors.New("must not be called")}
	src := NewUserSource(api, ScanOptions{}, true)

	toks, err := src.Scan(context.Background(), pathcache.New())
	require.NoError(t, err)
	assert.Empty(t, toks)
}

func TestBotUsername(t *testing.T) {
	assert.True(t, botUsername.MatchString("project_42_bot_0123456789abcdef0123456789abcdef"))
	assert.True(t, botUsername.MatchString("group_7_bot_0123456789abcdef0123456789abcdef01"))
	assert.False(t, botUsername.MatchString("project_42_bot"))
	assert.False(t, botUsername.MatchString("alice"))
}

type fakeUserAPI struct {
	me     gitlab.User
	meErr  error
	listed atomic.Int32
}

func (f *fakeUserAPI) CurrentUser(context.Context) (gitlab.User, error) { return f.me, f.meErr }

func (f *fakeUserAPI) Users(context.Context) iter.Seq2[[]gitlab.User, error] {
	f.listed.Add(1)
	return func(func([]gitlab.User, error) bool) {}
}

func (f *fakeUserAPI) UserTokens(context.Context, int) ([]gitlab.PersonalAccessToken, error) {
	return nil, nil
}

// fakeGroupAPI lists groups without full_path so that paths must be walked.
type fakeGroupAPI struct {
	groups  []gitlab.Group
	byID    map[int]gitlab.Group
	lookups atomic.Int32
	tokens  map[int][]gitlab.AccessToken
}

func (f *fakeGroupAPI) Groups(context.Context, bool) iter.Seq2[[]gitlab.Group, error] {
	return func(yield func([]gitlab.Group, error) bool) { yield(f.groups, nil) }
}

func (f *fakeGroupAPI) GroupTokens(_ context.Context, id int) ([]gitlab.AccessToken, error) {
	return f.tokens[id], nil
}

func (f *fakeGroupAPI) Group(_ context.Context, id int) (gitlab.Group, error) {
	f.lookups.Add(1)
	g, ok := f.byID[id]
	if !ok {
		return gitlab.Group{}, errors.New("not found")
	}
	return g, nil
}

func intPtr(v int) *int { return &v }

func TestGroupPathWalksParentsOnce(t *testing.T) {
	root := gitlab.Group{ID: 1, Path: "org"}
	a := gitlab.Group{ID: 2, Path: "a", ParentID: intPtr(1)}
	b := gitlab.Group{ID: 3, Path: "b", ParentID: intPtr(1)}
	api := &fakeGroupAPI{
		groups: []gitlab.Group{{ID: 2}, {ID: 3}},
		byID:   map[int]gitlab.Group{1: root, 2: a, 3: b},
		tokens: map[int][]gitlab.AccessToken{
			2: {{ID: 20, Name: "ta"}},
			3: {{ID: 30, Name: "tb"}},
		},
	}
	src := NewGroupSource(api, ScanOptions{Fanout: 2})

	toks, err := src.Scan(context.Background(), pathcache.New())
	require.NoError(t, err)

	paths := map[string]string{}
	for _, tk := range toks {
		paths[tk.Name] = tk.Path
		assert.Equal(t, token.GroupAccessToken, tk.Kind)
	}
	assert.Equal(t, map[string]string{"ta": "org/a", "tb": "org/b"}, paths)
	// groups 2 and 3 once each, their shared parent once.
	assert.EqualValues(t, 3, api.lookups.Load())
}

func TestGroupPathUsesListedFullPath(t *testing.T) {
	api := &fakeGroupAPI{
		groups: []gitlab.Group{{ID: 2, Path: "a", FullPath: "org/a", ParentID: intPtr(1)}},
		tokens: map[int][]gitlab.AccessToken{2: {{ID: 20, Name: "ta"}}},
	}
	src := NewGroupSource(api, ScanOptions{})

	toks, err := src.Scan(context.Background(), pathcache.New())
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "org/a", toks[0].Path)
	assert.Zero(t, api.lookups.Load())
}

func TestGroupPathFailureFailsDomain(t *testing.T) {
	api := &fakeGroupAPI{
		groups: []gitlab.Group{{ID: 4}},
		byID:   map[int]gitlab.Group{},
	}
	src := NewGroupSource(api, ScanOptions{})

	_, err := src.Scan(context.Background(), pathcache.New())
	require.Error(t, err)
}

func TestGroupPathStopsAtListedAncestor(t *testing.T) {
	// the parent is listed with its full_path, the child is not
	parent := gitlab.Group{ID: 1, Path: "org", FullPath: "org"}
	child := gitlab.Group{ID: 2, Path: "a", ParentID: intPtr(1)}
	api := &fakeGroupAPI{
		groups: []gitlab.Group{{ID: 2}, parent},
		byID:   map[int]gitlab.Group{1: parent, 2: child},
		tokens: map[int][]gitlab.AccessToken{2: {{ID: 20, Name: "ta"}}},
	}
	src := NewGroupSource(api, ScanOptions{Fanout: 1})

	toks, err := src.Scan(context.Background(), pathcache.New())
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, "org/a", toks[0].Path)
	// only the child is fetched; the parent comes from the listing
	assert.EqualValues(t, 1, api.lookups.Load())
}

func TestFetchedEntitiesAreLoggedWithOwnership(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	api := &fakeGroupAPI{
		groups: []gitlab.Group{{ID: 2, FullPath: "org/a"}},
		tokens: map[int][]gitlab.AccessToken{2: {{ID: 20, Name: "ta"}}},
	}
	src := NewGroupSource(api, ScanOptions{OwnedOnly: true, Logger: zap.New(core).Sugar()})

	_, err := src.Scan(context.Background(), pathcache.New())
	require.NoError(t, err)

	entries := logs.FilterMessage("entity tokens fetched").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, true, fields["owned"])
	assert.Equal(t, "org/a", fields["path"])
	assert.EqualValues(t, 1, fields["tokens"])
}
