package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fedctl/internal/console"
)

const maxHistory = 200

// Model is the BubbleTea model of the admin console.
type Model struct {
	serverURL string
	exec      Executor

	width  int
	height int

	input    textinput.Model
	output   viewport.Model
	theme    Theme
	ready    bool
	busy     bool
	commands []string

	transcript strings.Builder
	history    []string
	histPos    int

	lastStatus console.MetaStatus
	lastTook   time.Duration
	lastError  string
}

// New creates a console model talking to ex.
func New(serverURL string, ex Executor) *Model {
	ti := textinput.New()
	ti.Placeholder = "type a command, \"help\" to list, \"bye\" to quit"
	ti.CharLimit = 4096
	ti.Focus()

	m := &Model{
		serverURL: serverURL,
		exec:      ex,
		input:     ti,
		theme:     NewDefaultTheme(),
	}
	m.input.PromptStyle = m.theme.Prompt
	m.input.Prompt = "> "
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, fetchCommands(m.exec))
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyEnter:
			return m, m.submit()
		case tea.KeyUp:
			m.recall(-1)
			return m, nil
		case tea.KeyDown:
			m.recall(1)
			return m, nil
		case tea.KeyTab:
			m.complete()
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.output, cmd = m.output.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		h := max(msg.Height-6, 3)
		if !m.ready {
			m.output = viewport.New(msg.Width-2, h)
			m.ready = true
		} else {
			m.output.Width = msg.Width - 2
			m.output.Height = h
		}
		m.input.Width = msg.Width - 4
		m.refresh()

	case resultMsg:
		m.busy = false
		m.lastTook = msg.took
		if msg.err != nil {
			m.lastError = msg.err.Error()
			m.lastStatus = ""
			m.appendOutput(m.theme.StatusFailed.Render("Error: " + msg.err.Error()))
		} else {
			m.lastError = ""
			m.lastStatus = msg.resp.Meta.Status
			m.appendOutput(renderResponse(msg.resp, m.theme))
		}
		return m, nil

	case commandsMsg:
		m.commands = m.commands[:0]
		for _, c := range msg {
			m.commands = append(m.commands, c.Name)
		}
		sort.Strings(m.commands)
		return m, nil

	case errMsg:
		m.lastError = msg.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit runs the current input line.
func (m *Model) submit() tea.Cmd {
	line := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if line == "" {
		return nil
	}
	switch line {
	case "bye", "exit", "quit":
		return tea.Quit
	}
	if m.busy {
		m.lastError = "a command is still running"
		return nil
	}

	if n := len(m.history); n == 0 || m.history[n-1] != line {
		m.history = append(m.history, line)
		if len(m.history) > maxHistory {
			m.history = m.history[1:]
		}
	}
	m.histPos = len(m.history)
	m.busy = true
	m.appendOutput(m.theme.Echo.Render("> " + line))
	return execCommand(m.exec, line)
}

func (m *Model) recall(delta int) {
	if len(m.history) == 0 {
		return
	}
	m.histPos = min(max(m.histPos+delta, 0), len(m.history))
	if m.histPos == len(m.history) {
		m.input.Reset()
		return
	}
	m.input.SetValue(m.history[m.histPos])
	m.input.CursorEnd()
}

// complete extends the command name under the cursor to the longest
// unambiguous prefix.
func (m *Model) complete() {
	v := m.input.Value()
	if strings.Contains(v, " ") || v == "" {
		return
	}
	var matches []string
	for _, c := range m.commands {
		if strings.HasPrefix(c, v) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return
	case 1:
		m.input.SetValue(matches[0] + " ")
	default:
		m.input.SetValue(commonPrefix(matches))
		m.appendOutput(m.theme.Dim.Render(strings.Join(matches, "  ")))
	}
	m.input.CursorEnd()
}

func commonPrefix(words []string) string {
	p := words[0]
	for _, w := range words[1:] {
		for !strings.HasPrefix(w, p) {
			p = p[:len(p)-1]
		}
	}
	return p
}

func (m *Model) appendOutput(s string) {
	m.transcript.WriteString(strings.TrimRight(s, "\n"))
	m.transcript.WriteString("\n")
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.output.SetContent(m.transcript.String())
	m.output.GotoBottom()
}

// Transcript returns everything printed so far.
func (m *Model) Transcript() string { return m.transcript.String() }

func (m *Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	status := m.theme.Dim.Render("idle")
	switch {
	case m.busy:
		status = m.theme.Header.Render("running...")
	case m.lastError != "":
		status = m.theme.StatusFailed.Render(m.lastError)
	case m.lastStatus == console.StatusOK:
		status = m.theme.StatusOK.Render(fmt.Sprintf("ok (%s)", m.lastTook.Round(time.Millisecond)))
	case m.lastStatus != "":
		status = m.theme.StatusFailed.Render(string(m.lastStatus))
	}

	header := lipgloss.JoinHorizontal(lipgloss.Top,
		m.theme.Title.Render("fedctl"),
		" ",
		m.theme.Dim.Render(m.serverURL),
		"  ",
		status,
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.theme.Border.Width(m.width-2).Render(m.output.View()),
		m.input.View(),
	)
}

// renderResponse colors error lines and draws tables the way the plain
// text renderer does.
func renderResponse(resp console.Response, theme Theme) string {
	var b strings.Builder
	for _, it := range resp.Data {
		switch it.Type {
		case console.ItemError:
			b.WriteString(theme.StatusFailed.Render("Error: " + it.Data))
			b.WriteString("\n")
		case console.ItemSuccess:
			b.WriteString(theme.StatusOK.Render(it.Data))
			b.WriteString("\n")
		default:
			b.WriteString(console.Response{Data: []console.Item{it}}.Text())
		}
	}
	if b.Len() == 0 {
		return theme.Dim.Render("(no output)")
	}
	return b.String()
}

// Run starts the console program on the terminal.
func Run(serverURL string, ex Executor) error {
	_, err := tea.NewProgram(New(serverURL, ex), tea.WithAltScreen()).Run()
	return err
}
