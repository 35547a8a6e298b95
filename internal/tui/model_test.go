package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/server"
)

type fakeExecutor struct {
	lines []string
	resp  console.Response
	err   error
}

func (f *fakeExecutor) Exec(_ context.Context, line string) (console.Response, error) {
	f.lines = append(f.lines, line)
	return f.resp, f.err
}

func (f *fakeExecutor) Commands(context.Context) ([]server.CommandInfo, error) {
	return []server.CommandInfo{{Name: "sys_info"}, {Name: "help"}, {Name: "report_resources"}, {Name: "report_env"}}, nil
}

func newTestModel(t *testing.T, ex Executor) *Model {
	t.Helper()
	m := New("http://127.0.0.1:8003", ex)
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m.Update(fetchCommands(ex)())
	return m
}

func typeLine(m *Model, s string) tea.Cmd {
	m.input.SetValue(s)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func resourcesResponse() console.Response {
	conn := console.NewConnection(auth.Principal{User: "admin@nvidia.com"}, nil)
	conn.AppendTable("Sites", "Resources").AddRow("site-1", `{"num_gpus":2}`)
	return conn.Flush()
}

func TestSubmitRunsCommandAndRendersReply(t *testing.T) {
	ex := &fakeExecutor{resp: resourcesResponse()}
	m := newTestModel(t, ex)

	cmd := typeLine(m, "  report_resources client site-1 ")
	require.NotNil(t, cmd)
	assert.True(t, m.busy)
	assert.Empty(t, m.input.Value())

	m.Update(cmd())
	assert.False(t, m.busy)
	assert.Equal(t, []string{"report_resources client site-1"}, ex.lines)
	assert.Equal(t, console.StatusOK, m.lastStatus)
	assert.Contains(t, m.Transcript(), "> report_resources client site-1")
	assert.Contains(t, m.Transcript(), "site-1")
	assert.Contains(t, m.Transcript(), "num_gpus")
	assert.Contains(t, m.View(), "ok (")
}

func TestSubmitShowsTransportErrors(t *testing.T) {
	ex := &fakeExecutor{err: errors.New("console: invalid token (status 401)")}
	m := newTestModel(t, ex)

	m.Update(typeLine(m, "sys_info server")())
	assert.Contains(t, m.Transcript(), "Error: console: invalid token")
	assert.Equal(t, "console: invalid token (status 401)", m.lastError)
}

func TestEmptyAndQuitLines(t *testing.T) {
	ex := &fakeExecutor{}
	m := newTestModel(t, ex)

	assert.Nil(t, typeLine(m, "   "))
	assert.Empty(t, ex.lines)

	cmd := typeLine(m, "bye")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, ex.lines)
}

func TestOneCommandAtATime(t *testing.T) {
	ex := &fakeExecutor{resp: resourcesResponse()}
	m := newTestModel(t, ex)

	first := typeLine(m, "sys_info server")
	require.NotNil(t, first)
	assert.Nil(t, typeLine(m, "report_env"))
	assert.Equal(t, "a command is still running", m.lastError)

	m.Update(first())
	assert.Equal(t, []string{"sys_info server"}, ex.lines)
}

func TestHistoryRecall(t *testing.T) {
	ex := &fakeExecutor{resp: resourcesResponse()}
	m := newTestModel(t, ex)
	for _, line := range []string{"sys_info server", "report_env"} {
		m.Update(typeLine(m, line)())
	}

	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "report_env", m.input.Value())
	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "sys_info server", m.input.Value())
	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "sys_info server", m.input.Value())
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Empty(t, m.input.Value())
}

func TestTabCompletion(t *testing.T) {
	m := newTestModel(t, &fakeExecutor{})

	m.input.SetValue("sy")
	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "sys_info ", m.input.Value())

	m.input.SetValue("rep")
	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "report_", m.input.Value())
	assert.Contains(t, m.Transcript(), "report_env  report_resources")

	m.input.SetValue("zzz")
	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "zzz", m.input.Value())
}

func TestRenderResponseMarksErrors(t *testing.T) {
	conn := console.NewConnection(auth.Principal{}, nil)
	conn.AppendErrorStatus(console.StatusNotAuthorized, "dead: requires project admin")
	out := renderResponse(conn.Flush(), NewDefaultTheme())
	assert.Contains(t, out, "Error: dead: requires project admin")

	assert.Contains(t, renderResponse(console.Response{}, NewDefaultTheme()), "(no output)")
}
