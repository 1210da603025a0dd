package chatsync_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/chatsync/chatsync"
	"github.com/vovakirdan/chatsync/chatsync/chattest"
)

const waitFor = 2 * time.Second

type harness struct {
	srv    *chattest.Server
	wsURL  string
	apiURL string
}

func newHarness(t *testing.T, opts chattest.Options) *harness {
	t.Helper()
	srv := chattest.New(opts)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return &harness{
		srv:    srv,
		wsURL:  "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		apiURL: hs.URL + "/api",
	}
}

// recorder collects everything a session reports through its hooks.
type recorder struct {
	mu       sync.Mutex
	snaps    [][]chatsync.Message
	outcomes []chatsync.Outcome
	states   []chatsync.StateEvent
	errs     []error
	presence int
}

func (r *recorder) attach(s *chatsync.Session) {
	s.OnMessages(func(ms []chatsync.Message) {
		r.mu.Lock()
		r.snaps = append(r.snaps, ms)
		r.mu.Unlock()
	})
	s.OnDelivery(func(o chatsync.Outcome) {
		r.mu.Lock()
		r.outcomes = append(r.outcomes, o)
		r.mu.Unlock()
	})
	s.OnStateChanged(func(ev chatsync.StateEvent) {
		r.mu.Lock()
		r.states = append(r.states, ev)
		r.mu.Unlock()
	})
	s.OnPresence(func(chatsync.PresenceSnapshot) {
		r.mu.Lock()
		r.presence++
		r.mu.Unlock()
	})
	s.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
}

func (r *recorder) snapshots() [][]chatsync.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]chatsync.Message(nil), r.snaps...)
}

func (r *recorder) deliveries() []chatsync.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chatsync.Outcome(nil), r.outcomes...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) presenceChanges() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence
}

func (r *recorder) stateEvents() []chatsync.StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chatsync.StateEvent(nil), r.states...)
}

func (h *harness) session(t *testing.T, id chatsync.Identity, mutate func(*chatsync.Config)) (*chatsync.Session, *recorder) {
	t.Helper()
	cfg := chatsync.DefaultConfig()
	cfg.URL = h.wsURL
	cfg.HandshakeTimeout = waitFor
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := chatsync.NewSession(cfg, id)
	require.NoError(t, err)
	rec := &recorder{}
	rec.attach(s)
	t.Cleanup(func() { _ = s.Close() })
	return s, rec
}

func (h *harness) connected(t *testing.T, id chatsync.Identity, mutate func(*chatsync.Config)) (*chatsync.Session, *recorder) {
	t.Helper()
	s, rec := h.session(t, id, mutate)
	require.NoError(t, s.Connect(context.Background()))
	// The roster reply always produces a presence change.
	require.Eventually(t, func() bool { return rec.presenceChanges() > 0 }, waitFor, 5*time.Millisecond)
	return s, rec
}

var (
	alice = chatsync.Identity{UserID: "u1", UserName: "Alice"}
	bob   = chatsync.Identity{UserID: "u2", UserName: "Bob"}
)

func contents(ms []chatsync.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID + ":" + m.Content
	}
	return out
}

func TestSessionSubmitConfirmed(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, rec := h.connected(t, alice, nil)
	b, _ := h.connected(t, bob, nil)

	prov, err := a.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, prov.Pending())

	// The first change the UI sees is the provisional entry.
	first := rec.snapshots()[0]
	require.Len(t, first, 1)
	assert.Equal(t, prov.ID, first[0].ID)

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, waitFor, 10*time.Millisecond)
	o := rec.deliveries()[0]
	assert.Equal(t, chatsync.DeliveryConfirmed, o.State)
	assert.Equal(t, chatsync.PathAck, o.Path)

	require.Eventually(t, func() bool { return len(b.Messages()) == 1 }, waitFor, 10*time.Millisecond)
	// Give the trailing broadcast time to arrive; it must not duplicate.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"m1:hello"}, contents(a.Messages()))
	assert.Equal(t, []string{"m1:hello"}, contents(b.Messages()))
	assert.Zero(t, a.Pending())
	assert.Empty(t, rec.errors())

	got := h.srv.Received()
	require.Len(t, got, 1)
	assert.Equal(t, prov.ClientID, got[0].ClientID)
}

func TestSessionEchoBeforeAck(t *testing.T) {
	for _, nonce := range []bool{true, false} {
		t.Run(map[bool]string{true: "with nonce", false: "content match"}[nonce], func(t *testing.T) {
			h := newHarness(t, chattest.Options{})
			h.srv.SetEchoFirst(true)
			h.srv.SetEchoNonce(nonce)
			a, rec := h.connected(t, alice, nil)

			_, err := a.Submit(context.Background(), "hello")
			require.NoError(t, err)

			require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, waitFor, 10*time.Millisecond)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, chatsync.PathEcho, rec.deliveries()[0].Path)
			assert.Len(t, rec.deliveries(), 1)
			assert.Equal(t, []string{"m1:hello"}, contents(a.Messages()))
		})
	}
}

func TestSessionAckTimeoutRollsBack(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, rec := h.connected(t, alice, func(c *chatsync.Config) { c.AckTimeout = 100 * time.Millisecond })
	h.srv.SetAckMode(chattest.AckDrop, "")
	h.srv.SetBroadcast(false)

	_, err := a.Submit(context.Background(), "ping")
	require.NoError(t, err)
	assert.Len(t, a.Messages(), 1)

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, waitFor, 10*time.Millisecond)
	o := rec.deliveries()[0]
	assert.Equal(t, chatsync.DeliveryRolledBack, o.State)
	assert.Equal(t, chatsync.ReasonTimeout, o.Reason)
	assert.ErrorIs(t, o.Err, chatsync.ErrSendTimeout)
	assert.Empty(t, a.Messages())
}

func TestSessionRejectedSend(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, rec := h.connected(t, alice, nil)
	h.srv.SetAckMode(chattest.AckReject, "access_denied")

	_, err := a.Submit(context.Background(), "nope")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, waitFor, 10*time.Millisecond)
	o := rec.deliveries()[0]
	assert.Equal(t, chatsync.ReasonRejected, o.Reason)
	assert.True(t, chatsync.IsProtocolError(o.Err))
	assert.Empty(t, a.Messages())
}

func TestSessionSubmitBeforeConnect(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, _ := h.session(t, alice, nil)

	_, err := a.Submit(context.Background(), "early")
	assert.ErrorIs(t, err, chatsync.ErrNotConnected)
	assert.Empty(t, a.Messages())
}

func TestSessionPresence(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, _ := h.connected(t, alice, nil)
	b, _ := h.connected(t, bob, nil)

	require.Eventually(t, func() bool { return len(a.Roster()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "Bob", a.Roster()[0].UserName)
	require.Eventually(t, func() bool { return len(b.Roster()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "Alice", b.Roster()[0].UserName)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return len(a.Roster()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestSessionTypingPropagation(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, _ := h.connected(t, alice, func(c *chatsync.Config) { c.TypingIdle = 80 * time.Millisecond })
	b, _ := h.connected(t, bob, nil)
	require.Eventually(t, func() bool { return len(a.Roster()) == 1 }, waitFor, 10*time.Millisecond)

	a.Keystroke(context.Background())
	require.Eventually(t, func() bool { return len(b.Typing()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"Alice"}, b.Typing())

	require.Eventually(t, func() bool { return len(b.Typing()) == 0 }, waitFor, 5*time.Millisecond)

	a.Keystroke(context.Background())
	require.Eventually(t, func() bool { return len(b.Typing()) == 1 }, waitFor, 5*time.Millisecond)
	_, err := a.Submit(context.Background(), "done")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.Typing()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestSessionSystemNotice(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, _ := h.connected(t, alice, nil)

	h.srv.Notice("maintenance at noon")
	require.Eventually(t, func() bool { return len(a.Messages()) == 1 }, waitFor, 10*time.Millisecond)
	m := a.Messages()[0]
	assert.Equal(t, chatsync.MessageSystem, m.Type)
	assert.Equal(t, chatsync.SystemSenderID, m.SenderID)
	assert.Equal(t, "maintenance at noon", m.Content)
}

func TestSessionHandshakeRejected(t *testing.T) {
	h := newHarness(t, chattest.Options{Secret: []byte("s3cret")})
	a, rec := h.session(t, alice, func(c *chatsync.Config) { c.Token = "forged" })

	err := a.Connect(context.Background())
	var ce *chatsync.ChatError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, chatsync.ErrorUnauthorized, ce.Code)
	assert.Equal(t, chatsync.StateError, a.State())

	states := rec.stateEvents()
	require.NotEmpty(t, states)
	assert.Equal(t, chatsync.StateError, states[len(states)-1].NewState)
}

func TestSessionTokenHandshake(t *testing.T) {
	secret := []byte("s3cret")
	h := newHarness(t, chattest.Options{Secret: secret})
	token, err := chattest.IssueToken(secret, alice, time.Minute)
	require.NoError(t, err)

	id, err := chatsync.IdentityFromToken(token)
	require.NoError(t, err)
	a, _ := h.connected(t, id, func(c *chatsync.Config) { c.Token = token })
	assert.Equal(t, chatsync.StateConnected, a.State())
	assert.Equal(t, alice, a.Identity())
}

func TestSessionServerDrop(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, _ := h.connected(t, alice, nil)
	require.Eventually(t, func() bool { return h.srv.Online() == 1 }, waitFor, 10*time.Millisecond)

	h.srv.Kick(alice.UserID)
	require.Eventually(t, func() bool { return a.State() == chatsync.StateDisconnected }, waitFor, 10*time.Millisecond)

	_, err := a.Submit(context.Background(), "anyone?")
	assert.True(t, chatsync.IsConnectionError(err), "got %v", err)
}

func TestSessionCloseSilencesHooks(t *testing.T) {
	h := newHarness(t, chattest.Options{})
	a, rec := h.connected(t, alice, nil)
	b, _ := h.connected(t, bob, nil)
	require.Eventually(t, func() bool { return h.srv.Online() == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, a.Close())
	assert.Equal(t, chatsync.StateDisconnected, a.State())
	before := len(rec.snapshots())

	_, err := b.Submit(context.Background(), "are you there?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.Messages()) == 1 && !b.Messages()[0].Pending() }, waitFor, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, before, len(rec.snapshots()))
	assert.ErrorIs(t, a.Connect(context.Background()), chatsync.ErrClosed)
	assert.NoError(t, a.Close())
}

func TestSessionAsk(t *testing.T) {
	h := newHarness(t, chattest.Options{
		Completion: func(_ context.Context, prompt, _ string) (string, error) {
			if prompt == "fail" {
				return "", errors.New("model offline")
			}
			return strings.ToUpper(prompt), nil
		},
	})
	a, _ := h.connected(t, alice, func(c *chatsync.Config) { c.AssistURL = h.apiURL })

	reply, err := a.Ask(context.Background(), "shout")
	require.NoError(t, err)
	assert.Equal(t, "SHOUT", reply.Content)
	assert.Equal(t, chatsync.AssistantSenderName, reply.SenderName)

	_, err = a.Ask(context.Background(), "fail")
	assert.Error(t, err)

	ms := a.Messages()
	require.Len(t, ms, 4)
	assert.Equal(t, "shout", ms[0].Content)
	assert.Equal(t, "SHOUT", ms[1].Content)
	assert.Equal(t, "fail", ms[2].Content)
	assert.Equal(t, chatsync.MessageSystem, ms[3].Type)
	assert.Contains(t, ms[3].Content, "model offline")
}

func TestNewSessionValidates(t *testing.T) {
	_, err := chatsync.NewSession(chatsync.DefaultConfig(), alice)
	assert.Error(t, err)

	cfg := chatsync.DefaultConfig()
	cfg.URL = "ws://x"
	_, err = chatsync.NewSession(cfg, chatsync.Identity{UserID: "u1"})
	assert.Error(t, err)
}
