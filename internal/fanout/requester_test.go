package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/fanout/mocks"
)

type staticMembers []string

func (s staticMembers) ClientNames() []string { return append([]string(nil), s...) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func adminConn() *console.Connection {
	return console.NewConnection(auth.Principal{User: "admin@nvidia.com", Org: "nvidia", Role: "project_admin"}, nil)
}

func bySite(envs []ReplyEnvelope) map[string]ReplyEnvelope {
	out := make(map[string]ReplyEnvelope, len(envs))
	for _, e := range envs {
		out[e.Site] = e
	}
	return out
}

func TestBroadcastMixedReplies(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sender := mocks.NewMockSender(ctrl)
	sender.EXPECT().Send(gomock.Any(), "A", gomock.Any()).Return(cell.OKReply([]byte(`{"x":"1"}`)), nil)
	sender.EXPECT().Send(gomock.Any(), "B", gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ *cell.Message) (*cell.Reply, error) {
			time.Sleep(20 * time.Millisecond)
			return cell.ErrorReply("boom"), nil
		})
	sender.EXPECT().Send(gomock.Any(), "C", gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ *cell.Message) (*cell.Reply, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	r := NewRequester(staticMembers{"A", "B", "C"}, sender, 200*time.Millisecond, quietLogger())
	envs := r.Broadcast(context.Background(), adminConn(), "sys.info", nil, TargetSet{Kind: TargetAll}, true)

	require.Len(t, envs, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{envs[0].Site, envs[1].Site, envs[2].Site})

	got := bySite(envs)
	assert.True(t, got["A"].HasReply)
	assert.Equal(t, cell.ReturnOK, got["A"].ReturnCode)
	assert.Equal(t, []byte(`{"x":"1"}`), got["A"].Body)
	assert.True(t, got["B"].HasReply)
	assert.Equal(t, cell.ReturnError, got["B"].ReturnCode)
	assert.False(t, got["C"].HasReply)
}

func TestBroadcastReturnsAtDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})
	defer close(release)

	sender := mocks.NewMockSender(ctrl)
	// A sender that ignores its context must not hold the call past the deadline.
	sender.EXPECT().Send(gomock.Any(), "stuck", gomock.Any()).DoAndReturn(
		func(context.Context, string, *cell.Message) (*cell.Reply, error) {
			<-release
			return cell.OKReply([]byte(`{}`)), nil
		})

	r := NewRequester(staticMembers{"stuck"}, sender, 50*time.Millisecond, quietLogger())
	start := time.Now()
	envs := r.Broadcast(context.Background(), adminConn(), "sys.info", nil, TargetSet{Kind: TargetClients}, false)

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, envs, 1)
	assert.False(t, envs[0].HasReply)
}

func TestBroadcastTransportErrorIsAbsent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sender := mocks.NewMockSender(ctrl)
	sender.EXPECT().Send(gomock.Any(), "site-1", gomock.Any()).Return(nil, errors.New("connection refused"))
	sender.EXPECT().Send(gomock.Any(), "site-2", gomock.Any()).Return(cell.OKReply([]byte(`{}`)), nil)

	r := NewRequester(staticMembers{"site-1", "site-2"}, sender, time.Second, quietLogger())
	envs := r.Broadcast(context.Background(), adminConn(), "sys.report_env", nil, TargetSet{Kind: TargetClients}, true)

	got := bySite(envs)
	require.Len(t, got, 2)
	assert.False(t, got["site-1"].HasReply)
	assert.True(t, got["site-2"].HasReply)
	assert.Equal(t, "site-1", envs[len(envs)-1].Site, "absent sites come last")
}

func TestBroadcastZeroTargetsSendsNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sender := mocks.NewMockSender(ctrl)
	r := NewRequester(staticMembers{}, sender, time.Second, quietLogger())

	assert.Empty(t, r.Broadcast(context.Background(), adminConn(), "sys.info", nil, TargetSet{Kind: TargetAll}, true))
	assert.Empty(t, r.Broadcast(context.Background(), adminConn(), "sys.info", nil, TargetSet{Kind: TargetServer}, true))
}

func TestBroadcastCarriesIdentityHeaders(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var (
		mu   sync.Mutex
		seen []*cell.Message
	)
	sender := mocks.NewMockSender(ctrl)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Times(2).DoAndReturn(
		func(_ context.Context, _ string, msg *cell.Message) (*cell.Reply, error) {
			mu.Lock()
			seen = append(seen, msg)
			mu.Unlock()
			return cell.OKReply(nil), nil
		})

	r := NewRequester(staticMembers{"a", "b"}, sender, time.Second, quietLogger())
	r.Broadcast(context.Background(), adminConn(), "sys.configure_site_log", []byte("debug"), TargetSet{Kind: TargetAll}, true)

	require.Len(t, seen, 2)
	assert.NotSame(t, seen[0], seen[1], "each site gets its own copy")
	for _, msg := range seen {
		assert.Equal(t, "sys.configure_site_log", msg.Topic)
		assert.Equal(t, []byte("debug"), msg.Body)
		assert.True(t, msg.RequireAuthz())
		assert.Equal(t, "admin@nvidia.com", msg.Header(cell.HeaderUser))
		assert.Equal(t, "nvidia", msg.Header(cell.HeaderOrg))
		assert.Equal(t, "project_admin", msg.Header(cell.HeaderRole))
	}
	assert.NotEmpty(t, seen[0].ID())
	assert.Equal(t, seen[0].ID(), seen[1].ID())
}

func TestBroadcastResolvesMembershipPerCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	members := &mutableMembers{names: []string{"a"}}
	sender := mocks.NewMockSender(ctrl)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().Return(cell.OKReply(nil), nil)

	r := NewRequester(members, sender, time.Second, quietLogger())
	assert.Len(t, r.Broadcast(context.Background(), adminConn(), "t", nil, TargetSet{Kind: TargetAll}, false), 1)

	members.set([]string{"a", "b", "c"})
	assert.Len(t, r.Broadcast(context.Background(), adminConn(), "t", nil, TargetSet{Kind: TargetAll}, false), 3)
}

type mutableMembers struct {
	mu    sync.Mutex
	names []string
}

func (m *mutableMembers) set(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = names
}

func (m *mutableMembers) ClientNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}
