package console

import (
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/fedctl/internal/auth"
)

// MetaStatus classifies the outcome of one command for front-ends.
type MetaStatus string

const (
	StatusOK             MetaStatus = "ok"
	StatusError          MetaStatus = "error"
	StatusSyntaxError    MetaStatus = "syntax_error"
	StatusInvalidCommand MetaStatus = "invalid_command"
	StatusNotAuthorized  MetaStatus = "not_authorized"
	StatusInternalError  MetaStatus = "internal_error"
	StatusNoReplies      MetaStatus = "no_replies"
)

// ItemType is the kind of a single output item.
type ItemType string

const (
	ItemString  ItemType = "string"
	ItemError   ItemType = "error"
	ItemSuccess ItemType = "success"
	ItemTable   ItemType = "table"
)

// Item is one unit of command output.
type Item struct {
	Type  ItemType `json:"type"`
	Data  string   `json:"data,omitempty"`
	Table *Table   `json:"table,omitempty"`
}

// Table is a tabular block of output.
type Table struct {
	Name    string     `json:"name,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// AddRow appends a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Meta carries the structured status of a command.
type Meta struct {
	Status MetaStatus `json:"status"`
	Info   string     `json:"info,omitempty"`
}

// Response is everything a command wrote to its connection.
type Response struct {
	Data []Item `json:"data"`
	Meta Meta   `json:"meta"`
}

// Connection is one operator session. Handlers write their output to it and
// reach live server state through AppCtx.
type Connection struct {
	Principal auth.Principal
	// AppCtx is the application context handlers use to reach the engine.
	AppCtx any

	// cmdMu serializes command execution within the session.
	cmdMu sync.Mutex

	mu    sync.Mutex
	items []Item
	meta  Meta
	props map[string]any
}

// NewConnection creates a session for principal.
func NewConnection(p auth.Principal, appCtx any) *Connection {
	return &Connection{
		Principal: p,
		AppCtx:    appCtx,
		meta:      Meta{Status: StatusOK},
		props:     make(map[string]any),
	}
}

// AppendString writes a plain line.
func (c *Connection) AppendString(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, Item{Type: ItemString, Data: s})
}

// AppendSuccess writes a success line.
func (c *Connection) AppendSuccess(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, Item{Type: ItemSuccess, Data: s})
}

// AppendError writes an error line and marks the command as failed.
func (c *Connection) AppendError(s string) {
	c.AppendErrorStatus(StatusError, s)
}

// AppendErrorStatus writes an error line with an explicit status. The first
// error status recorded for a command wins.
func (c *Connection) AppendErrorStatus(status MetaStatus, s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, Item{Type: ItemError, Data: s})
	if c.meta.Status == StatusOK {
		c.meta = Meta{Status: status, Info: s}
	}
}

// AppendTable starts a new table and returns it for rows to be added.
func (c *Connection) AppendTable(headers ...string) *Table {
	t := &Table{Headers: headers}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, Item{Type: ItemTable, Table: t})
	return t
}

// SetProp stores a per-command value, typically set by an authorization
// predicate for the handler to pick up.
func (c *Connection) SetProp(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[key] = v
}

// Prop returns a per-command value.
func (c *Connection) Prop(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.props[key]
	return v, ok
}

// Flush returns the output written so far and clears it along with props.
func (c *Connection) Flush() Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := Response{Data: c.items, Meta: c.meta}
	if resp.Data == nil {
		resp.Data = []Item{}
	}
	c.items = nil
	c.meta = Meta{Status: StatusOK}
	c.props = make(map[string]any)
	return resp
}

// Text renders a response for a terminal.
func (r Response) Text() string {
	var b strings.Builder
	for _, it := range r.Data {
		switch it.Type {
		case ItemTable:
			if it.Table == nil {
				continue
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers(it.Table.Headers...).
				Rows(it.Table.Rows...)
			b.WriteString(t.String())
		case ItemError:
			b.WriteString("Error: ")
			b.WriteString(it.Data)
		default:
			b.WriteString(it.Data)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Lines returns the string/error/success lines of the response, skipping tables.
func (r Response) Lines() []string {
	var out []string
	for _, it := range r.Data {
		if it.Type != ItemTable {
			out = append(out, it.Data)
		}
	}
	return out
}

// Tables returns the tables of the response in output order.
func (r Response) Tables() []*Table {
	var out []*Table
	for _, it := range r.Data {
		if it.Type == ItemTable && it.Table != nil {
			out = append(out, it.Table)
		}
	}
	return out
}
