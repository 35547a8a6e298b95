// Package cell carries admin requests between the server and worker sites.
//
// A request is a topic, an opaque body and string headers; a reply is a
// return code, an opaque body and headers. The HTTP transport in this package
// is a reference implementation: the fan-out layer only depends on Sender.
package cell

import (
	"context"
	"strconv"

	"github.com/google/uuid"
)

// ReturnCode is the outcome a site reports for one request.
type ReturnCode string

const (
	ReturnOK    ReturnCode = "ok"
	ReturnError ReturnCode = "error"
)

// Header keys set by the server on outgoing admin requests.
const (
	HeaderMsgID        = "msg_id"
	HeaderRequireAuthz = "require_authz"
	HeaderUser         = "user"
	HeaderOrg          = "org"
	HeaderRole         = "role"
)

// Message is an admin request addressed to one or more sites.
type Message struct {
	Topic   string            `json:"topic"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// NewMessage builds a message with a fresh msg_id.
func NewMessage(topic string, body []byte) *Message {
	return &Message{
		Topic:   topic,
		Body:    body,
		Headers: map[string]string{HeaderMsgID: uuid.NewString()},
	}
}

// ID returns the msg_id header.
func (m *Message) ID() string { return m.Header(HeaderMsgID) }

// Header returns the value of key or "".
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets key on the message.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// RequireAuthz reports whether the receiving site must re-check authorization.
func (m *Message) RequireAuthz() bool {
	v, _ := strconv.ParseBool(m.Header(HeaderRequireAuthz))
	return v
}

// Clone returns a copy whose headers can be changed independently.
func (m *Message) Clone() *Message {
	c := &Message{Topic: m.Topic, Body: m.Body, Headers: make(map[string]string, len(m.Headers))}
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	return c
}

// Reply is one site's answer to a Message.
type Reply struct {
	ReturnCode ReturnCode        `json:"return_code"`
	Body       []byte            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// OKReply wraps body in a successful reply.
func OKReply(body []byte) *Reply {
	return &Reply{ReturnCode: ReturnOK, Body: body}
}

// ErrorReply wraps a human readable error in a failed reply.
func ErrorReply(text string) *Reply {
	return &Reply{ReturnCode: ReturnError, Body: []byte(text)}
}

// Sender delivers a message to one site and waits for its reply.
type Sender interface {
	Send(ctx context.Context, site string, msg *Message) (*Reply, error)
}

// Handler processes a message received by a site.
type Handler interface {
	Handle(ctx context.Context, msg *Message) *Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) *Reply

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) *Reply { return f(ctx, msg) }
