package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/server"
)

// Executor runs console commands on a server.
type Executor interface {
	Exec(ctx context.Context, line string) (console.Response, error)
	Commands(ctx context.Context) ([]server.CommandInfo, error)
}

// execTimeout bounds one command, fan-out included.
const execTimeout = 5 * time.Minute

type resultMsg struct {
	line string
	resp console.Response
	err  error
	took time.Duration
}

type commandsMsg []server.CommandInfo

type errMsg struct{ error }

func execCommand(ex Executor, line string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
		defer cancel()
		start := time.Now()
		resp, err := ex.Exec(ctx, line)
		return resultMsg{line: line, resp: resp, err: err, took: time.Since(start)}
	}
}

func fetchCommands(ex Executor) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmds, err := ex.Commands(ctx)
		if err != nil {
			return errMsg{err}
		}
		return commandsMsg(cmds)
	}
}
