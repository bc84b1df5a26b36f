package voice

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/time/rate"

	"github.com/MrWong99/tonearm/pkg/voice/codec"
	"github.com/MrWong99/tonearm/pkg/voice/transport"
)

const (
	testGuild   = "41771983423143937"
	testUser    = "1001"
	testShards  = 16
	testShardID = 6
)

// ─── fake voice socket ───────────────────────────────────────────────────────

type fakeConn struct {
	cfg transport.Config

	mu       sync.Mutex
	frames   [][]byte
	speaking []bool
	err      error
	closed   bool
	// speakBlock, if set, holds SetSpeaking until closed or ctx ends.
	speakBlock chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn(cfg transport.Config) *fakeConn {
	return &fakeConn{cfg: cfg, done: make(chan struct{})}
}

func (c *fakeConn) WriteOpus(opus []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.frames = append(c.frames, bytes.Clone(opus))
	return nil
}

func (c *fakeConn) SetSpeaking(ctx context.Context, speaking bool) error {
	c.mu.Lock()
	block := c.speakBlock
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = append(c.speaking, speaking)
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)
	return nil
}

// fail simulates a transport failure.
func (c *fakeConn) fail(err error) {
	c.shutdown(err)
}

func (c *fakeConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) snapshot() (frames [][]byte, speaking []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...), append([]bool(nil), c.speaking...)
}

// countFrames returns the number of audio and silence frames written.
func (c *fakeConn) countFrames() (audio, silence int) {
	frames, _ := c.snapshot()
	for _, f := range frames {
		if bytes.Equal(f, codec.SilenceFrame) {
			silence++
		} else {
			audio++
		}
	}
	return audio, silence
}

// fakeDialer records dials and hands out fake connections.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	// block, if set, holds every dial until closed or ctx ends.
	block chan struct{}
}

func (d *fakeDialer) dial(ctx context.Context, cfg transport.Config) (Conn, error) {
	d.mu.Lock()
	block, err := d.block, d.err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn(cfg)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dials() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()
	conns := d.dials()
	if len(conns) == 0 {
		t.Fatal("no connection dialled")
	}
	return conns[len(conns)-1]
}

// ─── manager harness ─────────────────────────────────────────────────────────

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	updates chan VoiceUpdate
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		dialer:  &fakeDialer{},
		updates: make(chan VoiceUpdate, 32),
		reader:  sdkmetric.NewManualReader(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	cfg := Config{
		SubmitVoiceUpdate: func(_ context.Context, u VoiceUpdate) error {
			h.updates <- u
			return nil
		},
		ClientInfo:       ClientInfo{UserID: testUser, ShardCount: testShards},
		HandshakeTimeout: 2 * time.Second,
		Dial:             h.dialer.dial,
		MeterProvider:    mp,
		VoiceUpdateLimit: rate.Inf,
	}
	for _, o := range opts {
		o(&cfg)
	}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return h
}

func (h *harness) call(t *testing.T) *Call {
	t.Helper()
	c, err := h.m.CreateCall(testGuild)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	return c
}

func (h *harness) nextUpdate(t *testing.T) VoiceUpdate {
	t.Helper()
	select {
	case u := <-h.updates:
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("no voice update submitted")
		return VoiceUpdate{}
	}
}

func (h *harness) noUpdate(t *testing.T) {
	t.Helper()
	select {
	case u := <-h.updates:
		t.Fatalf("unexpected voice update %s", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) serverUpdate(endpoint string) {
	h.m.HandleVoiceServerUpdate(VoiceServerUpdate{GuildID: testGuild, Token: "tok-" + endpoint, Endpoint: endpoint})
}

func (h *harness) stateUpdate(channelID string) {
	h.m.HandleVoiceStateUpdate(VoiceStateUpdate{GuildID: testGuild, ChannelID: channelID, SessionID: "sess", UserID: testUser})
}

// joinAsync starts a join and returns its result channel.
func joinAsync(c *Call, channelID string) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Join(context.Background(), channelID) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("join did not resolve")
		return nil
	}
}

// connect joins channelID and completes the handshake.
func (h *harness) connect(t *testing.T, c *Call, channelID string) *fakeConn {
	t.Helper()
	errc := joinAsync(c, channelID)
	h.nextUpdate(t)
	h.serverUpdate("voice-1.example")
	h.stateUpdate(channelID)
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return h.dialer.last(t)
}

func (h *harness) counter(t *testing.T, name, attrKey, attrValue string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(attrKey)); attrKey == "" || (ok && v.AsString() == attrValue) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// ─── audio fixtures ──────────────────────────────────────────────────────────

// gate holds fixture responses until released, so tests can register
// track listeners before the first frame is decoded.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) release() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) wait(r *http.Request) bool {
	select {
	case <-g.ch:
		return true
	case <-r.Context().Done():
		return false
	}
}

// pcmServer serves n frames of raw PCM once released.
func pcmServer(t *testing.T, n int) (*httptest.Server, *gate) {
	t.Helper()
	var buf bytes.Buffer
	frame := make([]int16, codec.FrameLen)
	for i := range n {
		for j := range frame {
			frame[j] = int16((i*37+j)%2000 + 100)
		}
		buf.Write(codec.SamplesToBytes(frame))
	}
	data := buf.Bytes()
	g := newGate()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.wait(r) {
			return
		}
		w.Header().Set("Content-Type", "audio/pcm")
		http.ServeContent(w, r, "audio.pcm", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(func() {
		g.release()
		srv.Close()
	})
	return srv, g
}

// missingServer answers 404 once released.
func missingServer(t *testing.T) (*httptest.Server, *gate) {
	t.Helper()
	g := newGate()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.wait(r) {
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(func() {
		g.release()
		srv.Close()
	})
	return srv, g
}

// stallServer sends one frame of PCM and then never finishes the body, so
// its tracks stay Loading.
func stallServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/pcm")
		w.Write(make([]byte, codec.FrameBytes))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
	})
	return srv
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder counts track events.
type recorder struct {
	mu     sync.Mutex
	counts map[TrackEvent]int
	errs   []error
	order  []TrackEvent
}

func record(t *TrackHandle) *recorder {
	r := &recorder{counts: make(map[TrackEvent]int)}
	for _, ev := range []TrackEvent{EventPlayable, EventEnd, EventError} {
		t.AddEvent(ev, func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.counts[ev]++
			r.order = append(r.order, ev)
			if err != nil {
				r.errs = append(r.errs, err)
			}
		})
	}
	return r
}

func (r *recorder) count(ev TrackEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[ev]
}

func (r *recorder) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

func waitTrack(t *testing.T, th *TrackHandle) {
	t.Helper()
	select {
	case <-th.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("track did not finish, mode %v", th.Info().Mode)
	}
}

var errBoom = errors.New("boom")
