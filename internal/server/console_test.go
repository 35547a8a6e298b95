package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fedctl/internal/audit"
	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/config"
	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSite runs a worker site behind an httptest cell endpoint.
func startSite(t *testing.T, name string, resources map[string]any) *httptest.Server {
	t.Helper()
	w := worker.New(&worker.Site{Name: name, WorkspaceDir: t.TempDir(), Resources: resources},
		auth.NewPolicy(config.DefaultRoleRights()))
	ts := httptest.NewServer(cell.NewServer(w, nil, quietLogger()).Routes())
	t.Cleanup(ts.Close)
	return ts
}

type cluster struct {
	app     *App
	console *httptest.Server
	cell    *httptest.Server
}

func newCluster(t *testing.T, withAudit bool) *cluster {
	t.Helper()
	site1 := startSite(t, "site-1", map[string]any{"num_gpus": 2})

	cfg := config.Defaults()
	cfg.Site.Name = "fl-server"
	cfg.Site.Workspace = t.TempDir()
	cfg.Admin.FanoutTimeout = 2 * time.Second
	cfg.Admin.Tokens = []config.AdminToken{
		{Token: "admin-token", User: "admin@nvidia.com", Org: "nvidia", Role: "project_admin"},
		{Token: "member-token", User: "member@a.org", Org: "a", Role: "member"},
	}
	cfg.Clients = []config.ClientConfig{{Name: "site-1", URL: site1.URL}}

	var store *audit.Store
	if withAudit {
		var err error
		store, err = audit.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
	}

	app, err := NewApp(cfg, store)
	require.NoError(t, err)

	c := &cluster{
		app:     app,
		console: httptest.NewServer(app.Console.Routes()),
		cell:    httptest.NewServer(app.Cell.Routes()),
	}
	t.Cleanup(c.console.Close)
	t.Cleanup(c.cell.Close)
	return c
}

func (c *cluster) exec(t *testing.T, token, line string) console.Response {
	t.Helper()
	resp, err := NewClient(c.console.URL, token).Exec(context.Background(), line)
	require.NoError(t, err)
	return resp
}

func TestConsoleRequiresToken(t *testing.T) {
	c := newCluster(t, false)

	res, err := http.Post(c.console.URL+"/console/command", "application/json", bytes.NewBufferString(`{"command":"help"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	_, err = NewClient(c.console.URL, "wrong").Exec(context.Background(), "help")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")

	res, err = http.Get(c.console.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestConsoleFanOutEndToEnd(t *testing.T) {
	c := newCluster(t, false)

	resp := c.exec(t, "member-token", "report_resources client site-1")
	require.Equal(t, console.StatusOK, resp.Meta.Status, resp.Text())
	require.Len(t, resp.Tables(), 1)
	assert.Equal(t, [][]string{{"site-1", `{"num_gpus":2}`}}, resp.Tables()[0].Rows)

	resp = c.exec(t, "member-token", "report_env")
	require.Len(t, resp.Tables(), 1)
	assert.Contains(t, resp.Tables()[0].Rows[0][1], `"site_name":"site-1"`)

	resp = c.exec(t, "member-token", "report_resources server")
	assert.Equal(t, [][]string{{"server", "unlimited"}}, resp.Tables()[0].Rows)
}

func TestConsoleJoinedSiteIsTargetable(t *testing.T) {
	c := newCluster(t, false)
	site3 := startSite(t, "site-3", map[string]any{"num_gpus": 8})

	require.NoError(t, cell.Join(context.Background(), nil, c.cell.URL, cell.Registration{Name: "site-3", URL: site3.URL}))
	assert.Equal(t, []string{"site-1", "site-3"}, c.app.Engine.ClientNames())

	resp := c.exec(t, "admin-token", "report_resources client site-3")
	assert.Equal(t, [][]string{{"site-3", `{"num_gpus":8}`}}, resp.Tables()[0].Rows)

	// A configured client cannot be re-pointed by a join.
	before, _ := c.app.Engine.URLFor("site-1")
	err := cell.Join(context.Background(), nil, c.cell.URL, cell.Registration{Name: "site-1", URL: site3.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	after, _ := c.app.Engine.URLFor("site-1")
	assert.Equal(t, before, after)
}

func TestConsoleDeniesAndAudits(t *testing.T) {
	c := newCluster(t, true)

	resp := c.exec(t, "member-token", "dead site-1 job-9")
	assert.Equal(t, console.StatusNotAuthorized, resp.Meta.Status)
	assert.Empty(t, c.app.Engine.DeadJobs())

	resp = c.exec(t, "admin-token", "dead site-1 job-9")
	assert.Equal(t, console.StatusOK, resp.Meta.Status)
	require.Len(t, c.app.Engine.DeadJobs(), 1)

	res, err := http.Get(c.console.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	var health struct {
		DeadJobs int `json:"dead_jobs"`
		Last     struct {
			JobID  string `json:"job_id"`
			Client string `json:"client"`
		} `json:"last_dead_job"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, 1, health.DeadJobs)
	assert.Equal(t, "job-9", health.Last.JobID)
	assert.Equal(t, "site-1", health.Last.Client)

	resp = c.exec(t, "admin-token", "audit_log 2")
	require.Len(t, resp.Tables(), 1)
	rows := resp.Tables()[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "dead site-1 job-9", rows[0][3])
	assert.Equal(t, "ok", rows[0][4])
	assert.Equal(t, "denied", rows[1][4])
}

func TestConsoleListsCommands(t *testing.T) {
	c := newCluster(t, true)

	cmds, err := NewClient(c.console.URL, "member-token").Commands(context.Background())
	require.NoError(t, err)
	var names []string
	for _, ci := range cmds {
		names = append(names, ci.Name)
	}
	assert.Equal(t, []string{"audit_log", "configure_site_log", "help", "report_env", "report_resources", "sys_info"}, names)
}

func TestServerCellRefusesTopics(t *testing.T) {
	c := newCluster(t, false)
	body, _ := json.Marshal(cell.NewMessage(cell.TopicSysInfo, nil))
	res, err := http.Post(c.cell.URL+"/cell/v1/request", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	var rep cell.Reply
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rep))
	assert.Equal(t, cell.ReturnError, rep.ReturnCode)
}
