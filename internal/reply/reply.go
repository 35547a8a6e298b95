// Package reply classifies fan-out reply envelopes and renders them to a
// console connection.
package reply

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/fanout"
)

// Operator-facing markers.
const (
	NoResponses = "no responses from clients"
	NoReplies   = "No replies"
	BadReplies  = "Bad replies"
)

// Kind classifies one site's reply.
type Kind int

const (
	// Absent: the site did not reply in time.
	Absent Kind = iota
	// Failed: the site replied with an error; Text holds its body.
	Failed
	// Structured: an OK reply whose body is a JSON object.
	Structured
	// Opaque: an OK reply whose body could not be read as a JSON object.
	Opaque
)

func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Failed:
		return "failed"
	case Structured:
		return "structured"
	case Opaque:
		return "opaque"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Result is the parsed form of a ReplyEnvelope.
type Result struct {
	Site   string
	Kind   Kind
	Text   string
	Fields map[string]any
	// Err is the decode failure for Opaque results.
	Err error
}

// Parse classifies env. It never panics and never modifies env.
func Parse(env fanout.ReplyEnvelope) Result {
	r := Result{Site: env.Site}
	switch {
	case !env.HasReply:
		r.Kind = Absent
	case env.ReturnCode == cell.ReturnError:
		r.Kind = Failed
		r.Text = string(env.Body)
	default:
		fields, err := decodeObject(env.Body)
		if err != nil {
			r.Kind = Opaque
			r.Text = string(env.Body)
			r.Err = err
			return r
		}
		r.Kind = Structured
		r.Fields = fields
	}
	return r
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("reply body is not a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return fields, nil
}

// Options tunes Render.
type Options struct {
	// Extra returns derived rows appended to a structured site's table.
	Extra func(r Result) [][]string
}

// Render writes one section per site, ordered by site name. An empty envs
// yields a single no-responses error.
func Render(conn *console.Connection, envs []fanout.ReplyEnvelope, opts Options) {
	if len(envs) == 0 {
		conn.AppendErrorStatus(console.StatusNoReplies, NoResponses)
		return
	}
	for _, r := range parseSorted(envs) {
		conn.AppendString("Client: " + r.Site)
		switch r.Kind {
		case Absent:
			conn.AppendString(NoReplies)
		case Failed:
			conn.AppendString(r.Text)
		case Opaque:
			conn.AppendString(BadReplies)
		case Structured:
			t := conn.AppendTable("Metrics", "Value")
			for _, k := range sortedKeys(r.Fields) {
				t.AddRow(k, Stringify(r.Fields[k]))
			}
			if opts.Extra != nil {
				for _, row := range opts.Extra(r) {
					t.AddRow(row...)
				}
			}
		}
	}
}

// SiteTable writes a single (Sites, header) table with one row per site.
// seed rows, such as the server's own entry, are merged in by site name.
// It returns nil when there was nothing to show.
func SiteTable(conn *console.Connection, header string, envs []fanout.ReplyEnvelope, seed map[string]string) *console.Table {
	if len(envs) == 0 && len(seed) == 0 {
		conn.AppendErrorStatus(console.StatusNoReplies, NoResponses)
		return nil
	}
	values := make(map[string]string, len(envs)+len(seed))
	for site, v := range seed {
		values[site] = v
	}
	for _, r := range parseSorted(envs) {
		values[r.Site] = Summary(r)
	}
	t := conn.AppendTable("Sites", header)
	for _, site := range sortedKeys(values) {
		t.AddRow(site, values[site])
	}
	return t
}

// Summary is the one-cell rendering of a result.
func Summary(r Result) string {
	switch r.Kind {
	case Absent:
		return NoReplies
	case Failed:
		return r.Text
	case Opaque:
		return BadReplies
	default:
		b, err := json.Marshal(r.Fields)
		if err != nil {
			return BadReplies
		}
		return string(b)
	}
}

// Stringify renders a decoded JSON value as a table cell.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func parseSorted(envs []fanout.ReplyEnvelope) []Result {
	out := make([]Result, 0, len(envs))
	for _, env := range envs {
		out = append(out, Parse(env))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
