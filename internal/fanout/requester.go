package fanout

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/log"
)

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/mattjoyce/fedctl/internal/cell Sender

// DefaultTimeout bounds one Broadcast when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// ReplyEnvelope is what came back from one targeted site. HasReply is false
// when the site did not answer before the deadline or could not be reached.
type ReplyEnvelope struct {
	Site       string
	HasReply   bool
	ReturnCode cell.ReturnCode
	Body       []byte
	Headers    map[string]string
}

// Requester fans admin requests out to client sites.
type Requester struct {
	members Membership
	sender  cell.Sender
	timeout time.Duration
	logger  *slog.Logger
}

// NewRequester creates a requester. A non-positive timeout selects DefaultTimeout.
func NewRequester(members Membership, sender cell.Sender, timeout time.Duration, logger *slog.Logger) *Requester {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.WithComponent("fanout")
	}
	return &Requester{members: members, sender: sender, timeout: timeout, logger: logger}
}

// NewMessage builds a request carrying the submitter identity of conn.
func NewMessage(conn *console.Connection, topic string, body []byte, requireAuthz bool) *cell.Message {
	msg := cell.NewMessage(topic, body)
	msg.SetHeader(cell.HeaderRequireAuthz, strconv.FormatBool(requireAuthz))
	if conn != nil {
		msg.SetHeader(cell.HeaderUser, conn.Principal.User)
		msg.SetHeader(cell.HeaderOrg, conn.Principal.Org)
		msg.SetHeader(cell.HeaderRole, conn.Principal.Role)
	}
	return msg
}

// Broadcast sends topic/body to every site targets resolves to and waits for
// all of them or the timeout, whichever comes first. Envelopes are returned in
// arrival order with absent sites last; callers must index by Site.
func (r *Requester) Broadcast(ctx context.Context, conn *console.Connection, topic string, body []byte, targets TargetSet, requireAuthz bool) []ReplyEnvelope {
	sites := targets.Resolve(r.members)
	if len(sites) == 0 {
		return nil
	}
	msg := NewMessage(conn, topic, body, requireAuthz)
	return r.Send(ctx, msg, sites)
}

// Send delivers msg to each of sites concurrently.
func (r *Requester) Send(ctx context.Context, msg *cell.Message, sites []string) []ReplyEnvelope {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logger := r.logger.With("topic", msg.Topic, "msg_id", msg.ID())
	fanoutRequestsTotal.WithLabelValues(msg.Topic).Inc()

	var (
		mu      sync.Mutex
		closed  bool
		arrived = make([]ReplyEnvelope, 0, len(sites))
		got     = make(map[string]bool, len(sites))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, site := range sites {
		g.Go(func() error {
			reply, err := r.sender.Send(gctx, site, msg.Clone())
			if err != nil {
				logger.Warn("site did not reply", "site", site, "error", err)
				return nil
			}
			if reply == nil {
				logger.Warn("site returned an empty reply", "site", site)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return nil
			}
			arrived = append(arrived, ReplyEnvelope{
				Site:       site,
				HasReply:   true,
				ReturnCode: reply.ReturnCode,
				Body:       reply.Body,
				Headers:    reply.Headers,
			})
			got[site] = true
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("fan-out deadline reached", "timeout", r.timeout)
	}

	mu.Lock()
	closed = true
	out := make([]ReplyEnvelope, 0, len(sites))
	out = append(out, arrived...)
	for _, site := range sites {
		if !got[site] {
			out = append(out, ReplyEnvelope{Site: site})
		}
	}
	mu.Unlock()

	for _, env := range out {
		fanoutRepliesTotal.WithLabelValues(msg.Topic, envelopeResult(env)).Inc()
	}
	fanoutLatencyMs.WithLabelValues(msg.Topic).Observe(float64(time.Since(start).Milliseconds()))
	logger.Debug("fan-out complete", "sites", len(sites), "replied", len(arrived))
	return out
}

func envelopeResult(env ReplyEnvelope) string {
	switch {
	case !env.HasReply:
		return "absent"
	case env.ReturnCode == cell.ReturnError:
		return "error"
	default:
		return "ok"
	}
}
