package voice

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/tonearm/pkg/voice/transport"
)

func TestNew_ConfigErrors(t *testing.T) {
	t.Parallel()

	submit := func(context.Context, VoiceUpdate) error { return nil }
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"no submit", Config{ClientInfo: ClientInfo{UserID: "1", ShardCount: 1}}},
		{"no user", Config{SubmitVoiceUpdate: submit, ClientInfo: ClientInfo{ShardCount: 1}}},
		{"no shards", Config{SubmitVoiceUpdate: submit, ClientInfo: ClientInfo{UserID: "1"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.cfg)
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("New() error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestManager_ShardID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	tests := []struct {
		guild string
		want  int
	}{
		{"41771983423143937", 6},
		{"81384788765712384", 2},
		{"175928847299117063", 4},
		{"1", 0},
	}
	for _, tc := range tests {
		got, err := h.m.ShardID(tc.guild)
		if err != nil {
			t.Fatalf("ShardID(%s): %v", tc.guild, err)
		}
		if got != tc.want {
			t.Errorf("ShardID(%s) = %d, want %d", tc.guild, got, tc.want)
		}
	}
	if _, err := h.m.ShardID("not-a-snowflake"); err == nil {
		t.Error("ShardID accepted an invalid guild id")
	}
}

func TestManager_CreateCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	c := h.call(t)
	if c.State() != StateIdle {
		t.Errorf("new call state = %v, want idle", c.State())
	}
	if _, err := h.m.CreateCall(testGuild); !errors.Is(err, ErrCallExists) {
		t.Errorf("duplicate CreateCall error = %v, want ErrCallExists", err)
	}
	if _, err := h.m.CreateCall("guild"); err == nil {
		t.Error("CreateCall accepted an invalid guild id")
	}
	if got, ok := h.m.Call(testGuild); !ok || got != c {
		t.Error("Call() did not return the registered call")
	}

	other, err := h.m.CreateCall("175928847299117063")
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	got := h.m.Calls()
	if len(got) != 2 || got[0] != other || got[1] != c {
		t.Errorf("Calls() not ordered by guild id")
	}
}

func TestCall_JoinEventOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		serverFirst bool
	}{
		{"server then state", true},
		{"state then server", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			c := h.call(t)

			errc := joinAsync(c, "chan-1")
			u := h.nextUpdate(t)
			want := VoiceUpdate{ShardID: testShardID, Payload: VoiceStatePayload{GuildID: testGuild, ChannelID: ptr("chan-1")}}
			if diff := cmp.Diff(want, u); diff != "" {
				t.Errorf("voice update mismatch (-want +got):\n%s", diff)
			}

			first, second := func() { h.serverUpdate("voice-1.example") }, func() { h.stateUpdate("chan-1") }
			if !tc.serverFirst {
				first, second = second, first
			}
			first()
			time.Sleep(50 * time.Millisecond)
			if got := c.State(); got != StateAwaiting {
				t.Fatalf("state after one event = %v, want awaiting", got)
			}
			if n := len(h.dialer.dials()); n != 0 {
				t.Fatalf("dialled %d times before both events arrived", n)
			}

			second()
			if err := waitErr(t, errc); err != nil {
				t.Fatalf("Join: %v", err)
			}
			if got := c.State(); got != StateConnected {
				t.Errorf("state = %v, want connected", got)
			}
			if got := c.ChannelID(); got != "chan-1" {
				t.Errorf("ChannelID() = %q, want chan-1", got)
			}

			wantCfg := transport.Config{
				Endpoint:  "voice-1.example",
				Token:     "tok-voice-1.example",
				SessionID: "sess",
				GuildID:   testGuild,
				UserID:    testUser,
			}
			if diff := cmp.Diff(wantCfg, h.dialer.last(t).cfg); diff != "" {
				t.Errorf("dial config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCall_JoinConnectedChannelIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	h.connect(t, c, "chan-1")

	if err := c.Join(context.Background(), "chan-1"); err != nil {
		t.Fatalf("second Join: %v", err)
	}
	h.noUpdate(t)
	if n := len(h.dialer.dials()); n != 1 {
		t.Errorf("dialled %d times, want 1", n)
	}
}

func TestCall_JoinDuringMigrationIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	h.connect(t, c, "chan-1")

	block := make(chan struct{})
	h.dialer.mu.Lock()
	h.dialer.block = block
	h.dialer.mu.Unlock()
	defer close(block)
	h.serverUpdate("voice-2.example")

	if got := c.State(); got != StateConnected {
		t.Fatalf("state during migration = %v, want connected", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := c.Join(ctx, "chan-1"); err != nil {
		t.Fatalf("Join of connected channel during migration: %v", err)
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("Join took %v, want an immediate return", d)
	}
	h.noUpdate(t)
}

func TestCall_ConcurrentJoinsShareAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)

	a := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	b := joinAsync(c, "chan-1")
	h.noUpdate(t)

	h.serverUpdate("voice-1.example")
	h.stateUpdate("chan-1")
	if err := waitErr(t, a); err != nil {
		t.Errorf("first Join: %v", err)
	}
	if err := waitErr(t, b); err != nil {
		t.Errorf("second Join: %v", err)
	}
	if n := len(h.dialer.dials()); n != 1 {
		t.Errorf("dialled %d times, want 1", n)
	}
}

func TestCall_JoinSuperseded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)

	first := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	second := joinAsync(c, "chan-2")

	if err := waitErr(t, first); !errors.Is(err, ErrJoinSuperseded) {
		t.Fatalf("first Join error = %v, want ErrJoinSuperseded", err)
	}
	u := h.nextUpdate(t)
	if u.Payload.ChannelID == nil || *u.Payload.ChannelID != "chan-2" {
		t.Fatalf("second update = %s, want chan-2", u)
	}

	h.serverUpdate("voice-1.example")
	h.stateUpdate("chan-2")
	if err := waitErr(t, second); err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if got := c.ChannelID(); got != "chan-2" {
		t.Errorf("ChannelID() = %q, want chan-2", got)
	}
	if got := h.counter(t, "tonearm.voice.handshakes", "result", resultSuperseded); got != 1 {
		t.Errorf("superseded handshakes = %d, want 1", got)
	}
}

func TestCall_JoinTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.HandshakeTimeout = 300 * time.Millisecond })
	c := h.call(t)

	errc := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	h.serverUpdate("voice-1.example")

	if err := waitErr(t, errc); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Join error = %v, want ErrHandshakeTimeout", err)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if got := c.ChannelID(); got != "" {
		t.Errorf("ChannelID() = %q, want empty", got)
	}
	if got := h.counter(t, "tonearm.voice.handshakes", "result", resultTimeout); got != 1 {
		t.Errorf("timeout handshakes = %d, want 1", got)
	}

	// A timed-out call can join again.
	h.connect(t, c, "chan-1")
	if got := c.State(); got != StateConnected {
		t.Errorf("state after rejoin = %v, want connected", got)
	}
}

func TestCall_JoinTimeoutWhileDialing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.HandshakeTimeout = 200 * time.Millisecond })
	h.dialer.block = make(chan struct{})
	c := h.call(t)

	errc := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	h.serverUpdate("voice-1.example")
	h.stateUpdate("chan-1")

	if err := waitErr(t, errc); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Join error = %v, want ErrHandshakeTimeout", err)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestCall_JoinRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)

	errc := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	h.stateUpdate("")

	if err := waitErr(t, errc); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("Join error = %v, want ErrHandshakeRejected", err)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestCall_JoinTransportError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dialer.setErr(errBoom)
	c := h.call(t)

	errc := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	h.serverUpdate("voice-1.example")
	h.stateUpdate("chan-1")

	err := waitErr(t, errc)
	if !errors.Is(err, ErrTransportEstablish) {
		t.Fatalf("Join error = %v, want ErrTransportEstablish", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Join error %q does not carry the dial error", err)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if got := h.counter(t, "tonearm.voice.handshakes", "result", resultTransport); got != 1 {
		t.Errorf("transport handshakes = %d, want 1", got)
	}
}

func TestCall_JoinSubmitError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) {
		c.SubmitVoiceUpdate = func(context.Context, VoiceUpdate) error { return errBoom }
	})
	c := h.call(t)

	err := c.Join(context.Background(), "chan-1")
	if !errors.Is(err, errBoom) {
		t.Fatalf("Join error = %v, want submit error", err)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestCall_JoinEmptyChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)

	if err := c.Join(context.Background(), ""); err == nil {
		t.Fatal("Join accepted an empty channel id")
	}
	h.noUpdate(t)
}

func TestManager_DropsForeignEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)

	errc := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	h.serverUpdate("voice-1.example")

	// Another member of the guild.
	h.m.HandleVoiceStateUpdate(VoiceStateUpdate{GuildID: testGuild, ChannelID: "chan-1", SessionID: "x", UserID: "999"})
	// A guild without a call.
	h.m.HandleVoiceServerUpdate(VoiceServerUpdate{GuildID: "81384788765712384", Token: "t", Endpoint: "e"})
	h.m.HandleVoiceStateUpdate(VoiceStateUpdate{GuildID: "81384788765712384", ChannelID: "c", SessionID: "s", UserID: testUser})

	time.Sleep(50 * time.Millisecond)
	if n := len(h.dialer.dials()); n != 0 {
		t.Fatalf("dialled %d times on foreign events", n)
	}
	if got := c.State(); got != StateAwaiting {
		t.Fatalf("state = %v, want awaiting", got)
	}

	h.stateUpdate("chan-1")
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestCall_Leave(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	conn := h.connect(t, c, "chan-1")

	if got := h.counter(t, "tonearm.voice.calls.active", "", ""); got != 1 {
		t.Errorf("active calls = %d, want 1", got)
	}

	if err := c.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	u := h.nextUpdate(t)
	if u.Payload.ChannelID != nil {
		t.Errorf("leave update channel = %q, want nil", *u.Payload.ChannelID)
	}
	if !strings.Contains(u.String(), `"channel_id":null`) {
		t.Errorf("leave update %s does not carry a null channel", u)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if !conn.isClosed() {
		t.Error("voice socket still open after Leave")
	}
	if _, ok := h.m.Call(testGuild); ok {
		t.Error("call still registered after Leave")
	}
	if got := h.counter(t, "tonearm.voice.calls.active", "", ""); got != 0 {
		t.Errorf("active calls = %d, want 0", got)
	}

	if err := c.Join(context.Background(), "chan-1"); !errors.Is(err, ErrCallClosed) {
		t.Errorf("Join after Leave error = %v, want ErrCallClosed", err)
	}
	if err := c.Leave(context.Background()); err != nil {
		t.Errorf("second Leave: %v", err)
	}
	if _, err := h.m.CreateCall(testGuild); err != nil {
		t.Errorf("CreateCall after Leave: %v", err)
	}
}

func TestCall_LeaveAbortsPendingJoin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)

	errc := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	if err := c.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := waitErr(t, errc); !errors.Is(err, ErrCallClosed) {
		t.Errorf("Join error = %v, want ErrCallClosed", err)
	}
}

func TestCall_GatewayDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	conn := h.connect(t, c, "chan-1")

	h.stateUpdate("")

	eventually(t, "call disconnected", func() bool { return c.State() == StateDisconnected })
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil", c.Err())
	}
	eventually(t, "socket closed", conn.isClosed)
	eventually(t, "call removed", func() bool {
		_, ok := h.m.Call(testGuild)
		return !ok
	})
}

func TestCall_MovedToAnotherChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	h.connect(t, c, "chan-1")

	h.stateUpdate("chan-2")

	if got := c.ChannelID(); got != "chan-2" {
		t.Errorf("ChannelID() = %q, want chan-2", got)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
}

func TestCall_TransportFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	conn := h.connect(t, c, "chan-1")

	conn.fail(errBoom)

	eventually(t, "call failed", func() bool { return c.State() == StateFailed })
	if !errors.Is(c.Err(), errBoom) {
		t.Errorf("Err() = %v, want transport error", c.Err())
	}
	eventually(t, "call removed", func() bool {
		_, ok := h.m.Call(testGuild)
		return !ok
	})
}

func TestCall_VoiceServerMigration(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	old := h.connect(t, c, "chan-1")

	h.serverUpdate("voice-2.example")

	eventually(t, "second dial", func() bool { return len(h.dialer.dials()) == 2 })
	eventually(t, "old socket closed", old.isClosed)
	next := h.dialer.last(t)
	if next.cfg.Endpoint != "voice-2.example" {
		t.Errorf("migration endpoint = %q, want voice-2.example", next.cfg.Endpoint)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	h.noUpdate(t)

	// Closing the replaced socket must not fail the call.
	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != StateConnected {
		t.Errorf("state after old socket closed = %v, want connected", got)
	}
}

func TestCall_EmptyEndpointIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)

	errc := joinAsync(c, "chan-1")
	h.nextUpdate(t)
	h.serverUpdate("")
	h.stateUpdate("chan-1")

	time.Sleep(50 * time.Millisecond)
	if n := len(h.dialer.dials()); n != 0 {
		t.Fatalf("dialled %d times with an empty endpoint", n)
	}
	h.serverUpdate("voice-1.example")
	if err := waitErr(t, errc); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestManager_Close(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	h.connect(t, c, "chan-1")

	if err := h.m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	u := h.nextUpdate(t)
	if u.Payload.ChannelID != nil {
		t.Errorf("close update %s, want null channel", u)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if len(h.m.Calls()) != 0 {
		t.Error("calls still registered after Close")
	}
	if _, err := h.m.CreateCall(testGuild); !errors.Is(err, ErrCallClosed) {
		t.Errorf("CreateCall after Close error = %v, want ErrCallClosed", err)
	}
}

func TestManager_HandshakeMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.call(t)
	h.connect(t, c, "chan-1")

	if got := h.counter(t, "tonearm.voice.handshakes", "result", resultConnected); got != 1 {
		t.Errorf("connected handshakes = %d, want 1", got)
	}
}

func ptr[T any](v T) *T { return &v }
