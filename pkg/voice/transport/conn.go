// Package transport implements the Discord voice socket: the voice gateway
// websocket that negotiates a session and the UDP socket that carries
// encrypted Opus frames.
//
// A [Conn] is single-use. Once it fails or is closed a new one must be
// dialled with fresh credentials.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tonearm/pkg/voice/codec"
)

const (
	gatewayVersion       = "4"
	writeTimeout         = 5 * time.Second
	udpKeepaliveInterval = 5 * time.Second
	maxMissedAcks        = 2
	packetBuffer         = 64
	maxDatagram          = 1500
)

var (
	// ErrClosed is returned by write methods after the connection is closed
	// or has failed.
	ErrClosed = errors.New("transport: connection closed")

	// ErrHeartbeatTimeout is reported through [Conn.Err] when the voice
	// gateway stops acknowledging heartbeats.
	ErrHeartbeatTimeout = errors.New("transport: heartbeat not acknowledged")
)

// Config carries the credentials obtained from the two gateway events plus
// the identity of the connecting user.
type Config struct {
	// Endpoint is the voice server host from VOICE_SERVER_UPDATE. A value
	// with an explicit ws:// or wss:// scheme is used as-is.
	Endpoint string

	// Token is the voice token from VOICE_SERVER_UPDATE.
	Token string

	// SessionID is the session from VOICE_STATE_UPDATE.
	SessionID string

	// GuildID is the guild (server_id) the session belongs to.
	GuildID string

	// UserID is the bot user's ID.
	UserID string

	// Modes overrides the encryption preference order. Nil means
	// [codec.PreferredModes].
	Modes []codec.Mode
}

// Conn is an established voice connection.
//
// WriteOpus owns the RTP sequence and timestamp counters and must only be
// called from one goroutine. All other methods are safe for concurrent use.
type Conn struct {
	ws         *websocket.Conn
	udp        *net.UDPConn
	ssrc       uint32
	cipher     *codec.Cipher
	packetizer *codec.Packetizer
	external   netip.AddrPort
	guildID    string

	heartbeatInterval time.Duration
	awaitingAck       atomic.Bool

	packets chan codec.Packet

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// Dial performs the full voice handshake: IDENTIFY, IP discovery, protocol
// selection and key exchange. ctx bounds the handshake only; the returned
// Conn lives until [Conn.Close] or a transport failure.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	u, err := gatewayURL(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u, err)
	}
	ok := false
	defer func() {
		if !ok {
			ws.CloseNow()
		}
	}()

	if err := send(ctx, ws, opIdentify, identifyData{
		ServerID:  cfg.GuildID,
		UserID:    cfg.UserID,
		SessionID: cfg.SessionID,
		Token:     cfg.Token,
	}); err != nil {
		return nil, err
	}

	// HELLO and READY may arrive in either order.
	var (
		interval time.Duration
		ready    *readyData
	)
	for interval == 0 || ready == nil {
		p, err := read(ctx, ws)
		if err != nil {
			return nil, err
		}
		switch p.Op {
		case opHello:
			var h helloData
			if err := json.Unmarshal(p.D, &h); err != nil {
				return nil, fmt.Errorf("transport: decode HELLO: %w", err)
			}
			interval = time.Duration(h.HeartbeatInterval * float64(time.Millisecond))
			if interval <= 0 {
				return nil, fmt.Errorf("transport: invalid heartbeat interval %v", h.HeartbeatInterval)
			}
		case opReady:
			ready = &readyData{}
			if err := json.Unmarshal(p.D, ready); err != nil {
				return nil, fmt.Errorf("transport: decode READY: %w", err)
			}
		}
	}

	mode, err := codec.SelectMode(ready.Modes, cfg.Modes)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ready.IP, fmt.Sprint(ready.Port)))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve voice server: %w", err)
	}
	udp, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial udp: %w", err)
	}
	defer func() {
		if !ok {
			udp.Close()
		}
	}()

	external, err := discoverIP(ctx, udp, ready.SSRC)
	if err != nil {
		return nil, err
	}

	if err := send(ctx, ws, opSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: selectProtocolAddr{
			Address: external.Addr().String(),
			Port:    int(external.Port()),
			Mode:    string(mode),
		},
	}); err != nil {
		return nil, err
	}

	var desc sessionDescriptionData
	for {
		p, err := read(ctx, ws)
		if err != nil {
			return nil, err
		}
		if p.Op != opSessionDescription {
			continue
		}
		if err := json.Unmarshal(p.D, &desc); err != nil {
			return nil, fmt.Errorf("transport: decode SESSION_DESCRIPTION: %w", err)
		}
		break
	}

	cipher, err := codec.NewCipher(codec.Mode(desc.Mode), desc.SecretKey[:])
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:                ws,
		udp:               udp,
		ssrc:              ready.SSRC,
		cipher:            cipher,
		packetizer:        codec.NewPacketizer(ready.SSRC, uint16(rand.Uint32()), rand.Uint32()),
		external:          external,
		guildID:           cfg.GuildID,
		heartbeatInterval: interval,
		packets:           make(chan codec.Packet, packetBuffer),
		cancel:            cancel,
		done:              make(chan struct{}),
	}
	c.start(runCtx)
	ok = true

	slog.Debug("transport: voice connection established",
		"guild_id", cfg.GuildID,
		"ssrc", c.ssrc,
		"mode", cipher.Mode(),
		"external_addr", external.String(),
	)
	return c, nil
}

// start launches the connection's background loops. The first loop to fail
// tears the whole connection down.
func (c *Conn) start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error { return c.keepaliveLoop(gctx) })
	g.Go(func() error { return c.udpReadLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		c.udp.Close()
		c.ws.CloseNow()
		return nil
	})

	go func() {
		err := g.Wait()
		close(c.packets)

		c.mu.Lock()
		if !c.closed && err != nil {
			c.err = err
			slog.Warn("transport: voice connection failed", "guild_id", c.guildID, "error", err)
		}
		c.closed = true
		c.mu.Unlock()

		close(c.done)
	}()
}

// SSRC returns the synchronisation source assigned by the voice server.
func (c *Conn) SSRC() uint32 { return c.ssrc }

// Mode returns the negotiated encryption mode.
func (c *Conn) Mode() codec.Mode { return c.cipher.Mode() }

// ExternalAddr returns the address discovered through IP discovery.
func (c *Conn) ExternalAddr() netip.AddrPort { return c.external }

// Packets returns received voice packets. The channel is closed when the
// connection ends; packets are dropped when nobody reads them.
func (c *Conn) Packets() <-chan codec.Packet { return c.packets }

// Done is closed once the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the failure that ended the connection, or nil if it is still
// running or was closed by [Conn.Close].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WriteOpus sends one 20 ms Opus frame. Each call advances the RTP sequence
// number by one and the timestamp by one frame of samples.
func (c *Conn) WriteOpus(opus []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	header, err := c.packetizer.Next(codec.FrameSamples)
	if err != nil {
		return err
	}
	if _, err := c.udp.Write(c.cipher.Seal(header, opus)); err != nil {
		return fmt.Errorf("transport: udp write: %w", err)
	}
	return nil
}

// SetSpeaking announces whether audio is about to flow. Discord drops
// audio from senders that have not announced speaking.
func (c *Conn) SetSpeaking(ctx context.Context, speaking bool) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	flags := 0
	if speaking {
		flags = speakingMicrophone
	}
	return send(ctx, c.ws, opSpeaking, speakingData{Speaking: flags, SSRC: c.ssrc})
}

// Close shuts the connection down and waits for its loops to exit. It is
// safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.ws.Close(websocket.StatusNormalClosure, "disconnect")
	c.cancel()
	<-c.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		var ce websocket.CloseError
		if !errors.As(err, &ce) {
			return fmt.Errorf("transport: close: %w", err)
		}
	}
	return nil
}

// readLoop consumes gateway messages after the handshake. Only heartbeat
// acknowledgements change state; everything else is logged.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		p, err := read(ctx, c.ws)
		if err != nil {
			return err
		}
		switch p.Op {
		case opHeartbeatAck:
			c.awaitingAck.Store(false)
		case opSpeaking, opClientDisconnect:
			slog.Debug("transport: voice gateway event", "guild_id", c.guildID, "op", p.Op.String())
		default:
			slog.Debug("transport: ignoring voice gateway op", "guild_id", c.guildID, "op", int(p.Op))
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if c.awaitingAck.Load() {
			missed++
			if missed >= maxMissedAcks {
				return ErrHeartbeatTimeout
			}
		} else {
			missed = 0
		}
		c.awaitingAck.Store(true)
		if err := send(ctx, c.ws, opHeartbeat, time.Now().UnixMilli()); err != nil {
			return err
		}
	}
}

func (c *Conn) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(udpKeepaliveInterval)
	defer ticker.Stop()

	var counter uint64
	buf := make([]byte, 8)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for i := range buf {
			buf[i] = byte(counter >> (8 * i))
		}
		counter++
		if _, err := c.udp.Write(buf); err != nil {
			return fmt.Errorf("transport: udp keepalive: %w", err)
		}
	}
}

func (c *Conn) udpReadLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.udp.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: udp read: %w", err)
		}
		if !codec.IsVoicePacket(buf[:n]) {
			continue
		}
		pkt, err := c.cipher.Open(buf[:n])
		if err != nil {
			slog.Debug("transport: dropping undecryptable packet", "guild_id", c.guildID, "error", err)
			continue
		}
		select {
		case c.packets <- pkt:
		default:
			// Nobody is listening fast enough; drop rather than block.
		}
	}
}

// ── wire helpers ──────────────────────────────────────────────────────────────

func gatewayURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("transport: empty voice endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + strings.TrimSuffix(endpoint, ":80")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("transport: parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("v", gatewayVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func send(ctx context.Context, ws *websocket.Conn, op opcode, d any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", op, err)
	}
	b, err := json.Marshal(payload{Op: op, D: data})
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("transport: send %s: %w", op, err)
	}
	return nil
}

func read(ctx context.Context, ws *websocket.Conn) (payload, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return payload{}, fmt.Errorf("transport: voice gateway read: %w", err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return payload{}, fmt.Errorf("transport: decode voice gateway message: %w", err)
	}
	return p, nil
}
