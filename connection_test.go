package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeFrame is one Read result delivered by fakeChannel.
type fakeFrame struct {
	data []byte
	err  error
}

type fakeChannel struct {
	mu     sync.Mutex
	inbox  chan fakeFrame
	writes [][]byte
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbox: make(chan fakeFrame, 16)}
}

func (c *fakeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.inbox:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeChannel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) deliver(data []byte) { c.inbox <- fakeFrame{data: data} }
func (c *fakeChannel) fail(err error)      { c.inbox <- fakeFrame{err: err} }

func (c *fakeChannel) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer returns scripted results; a nil script entry yields a fresh
// fakeChannel. The last entry repeats for every subsequent dial.
type fakeDialer struct {
	mu     sync.Mutex
	script []error
	urls   []string
	chans  []*fakeChannel
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)

	var err error
	if len(d.script) > 0 {
		err = d.script[0]
		if len(d.script) > 1 {
			d.script = d.script[1:]
		}
	}
	if err != nil {
		return nil, err
	}
	ch := newFakeChannel()
	d.chans = append(d.chans, ch)
	return ch, nil
}

func (d *fakeDialer) setScript(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = errs
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) lastChan() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.chans) == 0 {
		return nil
	}
	return d.chans[len(d.chans)-1]
}

// manualScheduler captures reconnect timers so tests fire them explicitly.
type manualScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (s *manualScheduler) schedule(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, fn)
	return func() {}
}

func (s *manualScheduler) fire(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		t.Fatal("no reconnect timer armed")
	}
	fn := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	fn()
}

func (s *manualScheduler) armed() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

type fakeTokens struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.token, f.err
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(d *fakeDialer, s *manualScheduler, tokens TokenSource) *ConnectionManager {
	return NewConnectionManager(ChannelConfig{
		URL:       "https://api.test/ws",
		Token:     "tok",
		Tokens:    tokens,
		Dialer:    d.dial,
		scheduler: s.schedule,
		jitter:    func() float64 { return 0 },
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestReconnector_BackoffGrowthAndCap(t *testing.T) {
	r := newReconnector(time.Second, 30*time.Second, 10, func() float64 { return 0 })
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := r.nextDelay(); got != w {
			t.Errorf("delay %d: got %v, want %v", i, got, w)
		}
	}
	r.reset()
	if got := r.nextDelay(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}

func TestReconnector_JitterStaysUnderCap(t *testing.T) {
	r := newReconnector(time.Second, 30*time.Second, 10, func() float64 { return 1 })
	prev := time.Duration(0)
	for i := 0; i < 8; i++ {
		d := r.nextDelay()
		if d > 30*time.Second {
			t.Fatalf("delay %d exceeds cap: %v", i, d)
		}
		if d < prev && d != 30*time.Second {
			t.Fatalf("delay %d shrank before reaching the cap: %v < %v", i, d, prev)
		}
		prev = d
	}
}

func TestConnection_ConnectSuccess(t *testing.T) {
	d := &fakeDialer{}
	s := &manualScheduler{}
	m := newTestManager(d, s, nil)

	var states []ConnState
	var mu sync.Mutex
	m.OnStateChange(func(st ConnStatus) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := m.Status()
	if st.State != StateConnected || st.RetryCount != 0 {
		t.Fatalf("bad status after connect: %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("unexpected transitions: %v", states)
	}
	if !strings.Contains(d.lastURL(), "wss://") || !strings.Contains(d.lastURL(), "token=tok") {
		t.Errorf("bad channel url: %s", d.lastURL())
	}
}

func TestConnection_StartIsIdempotentWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, &manualScheduler{}, nil)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if d.dialCount() != 1 {
		t.Errorf("expected a single dial, got %d", d.dialCount())
	}
}

func TestConnection_AutomaticRetryCap(t *testing.T) {
	d := &fakeDialer{}
	d.setScript(errors.New("dial tcp: connection refused"))
	s := &manualScheduler{}
	m := newTestManager(d, s, nil)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}

	for i := 0; i < defaultMaxRetries; i++ {
		if st := m.Status().State; st != StateReconnecting {
			t.Fatalf("attempt %d: state %v, want reconnecting", i+1, st)
		}
		s.fire(t)
	}

	st := m.Status()
	if st.State != StateDisconnected {
		t.Fatalf("after exhausting retries: state %v, want disconnected", st.State)
	}
	if got := d.dialCount(); got != defaultMaxRetries+1 {
		t.Errorf("dial attempts: got %d, want %d", got, defaultMaxRetries+1)
	}
	wantDelays := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	got := s.armed()
	if len(got) != len(wantDelays) {
		t.Fatalf("timers armed: got %v, want %v", got, wantDelays)
	}
	for i := range wantDelays {
		if got[i] != wantDelays[i] {
			t.Errorf("timer %d: got %v, want %v", i, got[i], wantDelays[i])
		}
	}

	// The explicit action resets the budget and reconnects from scratch.
	d.setScript(nil)
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	st = m.Status()
	if st.State != StateConnected || st.RetryCount != 0 {
		t.Fatalf("after manual reconnect: %+v", st)
	}
}

func TestConnection_ReadDropTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := &manualScheduler{}
	m := newTestManager(d, s, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d.lastChan().fail(errors.New("connection reset by peer"))
	waitFor(t, func() bool { return m.Status().State == StateReconnecting },
		"manager never entered reconnecting after a read drop")

	s.fire(t)
	waitFor(t, func() bool {
		st := m.Status()
		return st.State == StateConnected && st.RetryCount == 0
	}, "manager never recovered after the retry")
	if d.dialCount() != 2 {
		t.Errorf("dial attempts: got %d, want 2", d.dialCount())
	}
}

func TestConnection_AuthRefreshOnConnect(t *testing.T) {
	d := &fakeDialer{}
	d.setScript(&APIError{Code: "AUTH_EXPIRED", Message: "token expired"}, nil)
	tokens := &fakeTokens{token: "fresh"}
	m := newTestManager(d, &manualScheduler{}, tokens)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Status().State != StateConnected {
		t.Fatalf("state %v, want connected", m.Status().State)
	}
	if tokens.refreshCount() != 1 {
		t.Errorf("refresh calls: got %d, want 1", tokens.refreshCount())
	}
	if !strings.Contains(d.lastURL(), "token=fresh") {
		t.Errorf("redial did not carry the refreshed token: %s", d.lastURL())
	}
}

func TestConnection_AuthRefreshIsOneShot(t *testing.T) {
	d := &fakeDialer{}
	d.setScript(&APIError{Code: "AUTH_EXPIRED", Message: "token expired"})
	tokens := &fakeTokens{token: "fresh"}
	m := newTestManager(d, &manualScheduler{}, tokens)

	var notices []string
	m.OnNotice(func(n Notice) { notices = append(notices, n.Text) })

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected auth failure")
	}
	if m.Status().State != StateDisconnected {
		t.Fatalf("state %v, want disconnected", m.Status().State)
	}
	if tokens.refreshCount() != 1 {
		t.Errorf("refresh calls: got %d, want exactly 1", tokens.refreshCount())
	}
	if d.dialCount() != 2 {
		t.Errorf("dial attempts: got %d, want 2", d.dialCount())
	}
	if len(notices) != 1 || !strings.Contains(notices[0], "log in again") {
		t.Errorf("expected a re-login notice, got %v", notices)
	}
}

func TestConnection_EndpointUnavailableDegrades(t *testing.T) {
	d := &fakeDialer{}
	d.setScript(&APIError{Code: "NOT_FOUND", Message: "no such endpoint"})
	s := &manualScheduler{}
	m := newTestManager(d, s, nil)

	var notices []string
	m.OnNotice(func(n Notice) { notices = append(notices, n.Text) })

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected endpoint failure")
	}
	if !m.Degraded() {
		t.Fatal("manager should be degraded")
	}
	if len(s.armed()) != 0 {
		t.Error("degraded sessions must not schedule retries")
	}
	if len(notices) != 1 || !strings.Contains(notices[0], "still be delivered") {
		t.Errorf("expected a degraded-mode notice, got %v", notices)
	}

	// Further automatic starts are refused until a manual reconnect.
	err := m.Start(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "CHANNEL_DEGRADED" {
		t.Fatalf("expected CHANNEL_DEGRADED, got %v", err)
	}

	d.setScript(nil)
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if m.Degraded() {
		t.Error("manual reconnect should clear degraded mode")
	}
	if m.Status().State != StateConnected {
		t.Errorf("state %v, want connected", m.Status().State)
	}
}

func TestConnection_DispatchRoutesEvents(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, &manualScheduler{}, nil)

	var mu sync.Mutex
	var messages, statuses, rosters int
	m.OnMessage(func(any) { mu.Lock(); messages++; mu.Unlock() })
	m.OnPeerStatus(func(any) { mu.Lock(); statuses++; mu.Unlock() })
	m.OnRoster(func(any) { mu.Lock(); rosters++; mu.Unlock() })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch := d.lastChan()

	ch.deliver([]byte(`{"type":"message.new","payload":{"sender":"a","recipient":"b","text":"hi"}}`))
	ch.deliver([]byte(`{"type":"presence_changed","payload":{"peerId":"a","status":"online"}}`))
	ch.deliver([]byte(`{"type":"rosterUpdated","payload":[]}`))
	ch.deliver([]byte(`not json`))
	ch.deliver([]byte(`{"type":"totally.unknown","payload":{}}`))
	ch.deliver([]byte(`{"type":"MESSAGE_RECEIVED","payload":{"from":"a","to":"b","text":"yo"}}`))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return messages == 2 && statuses == 1 && rosters == 1
	}, "events were not dispatched to their handlers")
	if m.Status().State != StateConnected {
		t.Error("malformed or unknown frames must not drop the channel")
	}
}

func TestConnection_StopIsSafeFromAnyState(t *testing.T) {
	// Never started.
	m := newTestManager(&fakeDialer{}, &manualScheduler{}, nil)
	m.Stop()
	if m.Status().State != StateDisconnected {
		t.Fatal("fresh manager should stay disconnected after Stop")
	}

	// Connected.
	d := &fakeDialer{}
	s := &manualScheduler{}
	m = newTestManager(d, s, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch := d.lastChan()
	m.Stop()
	if !ch.isClosed() {
		t.Error("Stop should close the live channel")
	}
	if m.Status().State != StateDisconnected {
		t.Error("Stop should leave the manager disconnected")
	}

	// A late read error after Stop must not resurrect the connection.
	ch.fail(errors.New("use of closed network connection"))
	time.Sleep(20 * time.Millisecond)
	if m.Status().State != StateDisconnected {
		t.Error("intentional close must not trigger reconnection")
	}
	if len(s.armed()) != 0 {
		t.Error("no retry timer should be armed after Stop")
	}
}

func TestConnection_StopDuringReconnectDialStaysDown(t *testing.T) {
	var (
		mu      sync.Mutex
		dials   int
		dialed  = newFakeChannel()
		started = make(chan struct{})
		release = make(chan struct{})
	)
	dialer := func(ctx context.Context, url string) (Channel, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		close(started)
		<-release
		return dialed, nil
	}

	s := &manualScheduler{}
	m := NewConnectionManager(ChannelConfig{
		URL:       "https://api.test/ws",
		Dialer:    dialer,
		scheduler: s.schedule,
		jitter:    func() float64 { return 0 },
	})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected initial dial failure")
	}

	// The retry fires and blocks inside the dialer; Stop completes while the
	// dial is still in flight.
	fired := make(chan struct{})
	go func() {
		defer close(fired)
		s.fire(t)
	}()
	<-started
	m.Stop()
	close(release)
	<-fired

	if st := m.Status().State; st != StateDisconnected {
		t.Fatalf("after Stop the manager must stay disconnected, got %s", st)
	}
	if !dialed.isClosed() {
		t.Error("the late-arriving channel must be closed, not installed")
	}
	var apiErr *APIError
	if err := m.Push(context.Background(), "message.send", nil); !errors.As(err, &apiErr) || apiErr.Code != "NOT_CONNECTED" {
		t.Errorf("push after Stop: got %v, want NOT_CONNECTED", err)
	}
}

func TestConnection_Push(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, &manualScheduler{}, nil)
	ctx := context.Background()

	err := m.Push(ctx, "message.send", map[string]any{"text": "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_CONNECTED" {
		t.Fatalf("push while disconnected: got %v, want NOT_CONNECTED", err)
	}

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Push(ctx, "message.send", map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	writes := d.lastChan().written()
	if len(writes) != 1 {
		t.Fatalf("expected 1 frame written, got %d", len(writes))
	}
	var env channelEnvelope
	if err := json.Unmarshal(writes[0], &env); err != nil {
		t.Fatalf("frame is not an envelope: %v", err)
	}
	if env.Type != "message.send" {
		t.Errorf("envelope type: got %s", env.Type)
	}
	var body map[string]any
	if err := json.Unmarshal(env.Payload, &body); err != nil || body["text"] != "hi" {
		t.Errorf("bad envelope payload: %s", env.Payload)
	}
}

func TestClassifyEvent(t *testing.T) {
	cases := []struct {
		event string
		want  eventKind
	}{
		{"message.new", eventMessage},
		{"MESSAGE_RECEIVED", eventMessage},
		{"chatMessage", eventMessage},
		{"presence_changed", eventPeerStatus},
		{"PeerStatusChanged", eventPeerStatus},
		{"roster", eventRoster},
		{"contact_list", eventRoster},
		{"typing", eventUnknown},
		{"", eventUnknown},
	}
	for _, tc := range cases {
		if got := classifyEvent(tc.event); got != tc.want {
			t.Errorf("classifyEvent(%q) = %v, want %v", tc.event, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrGeneric},
		{"api auth", &APIError{Code: "AUTH_EXPIRED"}, ErrAuthExpired},
		{"api not found", &APIError{Code: "NOT_FOUND"}, ErrEndpointUnavailable},
		{"api validation", &APIError{Code: "VALIDATION_FAILED"}, ErrInvalidFormat},
		{"api timeout", &APIError{Code: "TIMEOUT"}, ErrNetwork},
		{"api other", &APIError{Code: "TEAPOT"}, ErrGeneric},
		{"wrapped api", fmt.Errorf("send: %w", &APIError{Code: "AUTH_EXPIRED"}), ErrAuthExpired},
		{"unauthorized text", errors.New("server returned 401 Unauthorized"), ErrAuthExpired},
		{"not found text", errors.New("404 page not found"), ErrEndpointUnavailable},
		{"refused", errors.New("dial tcp: connection refused"), ErrNetwork},
		{"deadline", errors.New("context deadline exceeded"), ErrNetwork},
		{"reset", errors.New("connection reset by peer"), ErrTransportDrop},
		{"eof", errors.New("unexpected EOF"), ErrTransportDrop},
		{"opaque", errors.New("something odd"), ErrGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
