package voice

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tonearm/pkg/voice/codec"
	"github.com/MrWong99/tonearm/pkg/voice/source"
)

// PlayMode is a track's playback state.
type PlayMode int

const (
	ModeLoading PlayMode = iota
	ModePlayable
	ModePlaying
	ModePaused
	ModeEnded
	ModeErrored
)

func (m PlayMode) String() string {
	switch m {
	case ModeLoading:
		return "loading"
	case ModePlayable:
		return "playable"
	case ModePlaying:
		return "playing"
	case ModePaused:
		return "paused"
	case ModeEnded:
		return "ended"
	case ModeErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// TrackEvent is a track lifecycle event a listener can subscribe to.
type TrackEvent int

const (
	// EventPlayable fires once the first prebuffer is filled.
	EventPlayable TrackEvent = iota
	// EventEnd fires when the input is exhausted or the track is stopped.
	EventEnd
	// EventError fires when decoding or the call's transport fails.
	EventError
)

func (e TrackEvent) String() string {
	switch e {
	case EventPlayable:
		return "playable"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// TrackInfo is a snapshot of a track.
type TrackInfo struct {
	ID   uuid.UUID
	Mode PlayMode
	// Err is the failure reason when Mode is ModeErrored.
	Err error
	// Position is the offset into the input of the next frame to play.
	Position time.Duration
	// PlayTime is how long the track has actually been audible.
	PlayTime time.Duration
	Volume   float32
	Ready    bool
	Seekable bool
}

// frameKind is what a track hands the tick loop.
type frameKind int

const (
	frameNone frameKind = iota
	frameSilence
	frameAudio
)

type dispatch struct {
	event     TrackEvent
	err       error
	listeners []func(error)
}

// TrackHandle controls and observes one playback of an input.
//
// Listeners run on a dedicated goroutine per handle, so a slow listener
// never stalls playback. Each event fires at most once, and nothing fires
// after End or Error.
type TrackHandle struct {
	id     uuid.UUID
	call   *Call
	input  source.Input
	opts   source.Options
	ctx    context.Context
	cancel context.CancelFunc
	events chan dispatch
	done   chan struct{}

	mu        sync.Mutex
	pipe      *source.Pipeline
	pipeGen   uint64
	ready     bool
	seeking   bool
	started   bool
	paused    bool
	terminal  bool
	err       error
	position  time.Duration
	playTime  time.Duration
	volume    float32
	listeners map[TrackEvent][]func(error)
	fired     map[TrackEvent]bool
}

func newTrack(c *Call, in source.Input, opts source.Options) *TrackHandle {
	ctx, cancel := context.WithCancel(context.Background())
	t := &TrackHandle{
		id:        uuid.New(),
		call:      c,
		input:     in,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan dispatch, 2),
		done:      make(chan struct{}),
		volume:    1,
		listeners: make(map[TrackEvent][]func(error)),
		fired:     make(map[TrackEvent]bool),
	}
	t.pipe = source.Start(ctx, in, 0, opts)
	go t.watch(t.pipe, t.pipeGen)
	go t.dispatchLoop()
	return t
}

// ID returns the track's unique ID.
func (t *TrackHandle) ID() uuid.UUID { return t.id }

// Done is closed after the track reached a terminal state and its
// listeners have run.
func (t *TrackHandle) Done() <-chan struct{} { return t.done }

// Info returns a snapshot of the track.
func (t *TrackHandle) Info() TrackInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackInfo{
		ID:       t.id,
		Mode:     t.modeLocked(),
		Err:      t.err,
		Position: t.position,
		PlayTime: t.playTime,
		Volume:   t.volume,
		Ready:    t.ready,
		Seekable: t.input.Seekable(),
	}
}

// Metadata returns auxiliary metadata about the input.
func (t *TrackHandle) Metadata(ctx context.Context) (source.Metadata, error) {
	return t.input.Metadata(ctx)
}

func (t *TrackHandle) modeLocked() PlayMode {
	switch {
	case t.terminal && t.err != nil:
		return ModeErrored
	case t.terminal:
		return ModeEnded
	case !t.ready:
		return ModeLoading
	case t.paused:
		return ModePaused
	case t.started:
		return ModePlaying
	default:
		return ModePlayable
	}
}

// Pause holds playback. The call keeps sending silence frames.
func (t *TrackHandle) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return ErrTrackEnded
	}
	t.paused = true
	return nil
}

// Resume continues a paused track.
func (t *TrackHandle) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return ErrTrackEnded
	}
	t.paused = false
	return nil
}

// SetVolume scales the track's amplitude. 1 is unchanged, 0 is silent and
// values above 1 amplify with clipping.
func (t *TrackHandle) SetVolume(v float32) error {
	if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, v)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return ErrTrackEnded
	}
	t.volume = v
	return nil
}

// Seek restarts decoding at offset, rounded down to a whole frame, and
// returns the new position. Until the new pipeline is ready the call sends
// silence; Playable does not fire again.
func (t *TrackHandle) Seek(offset time.Duration) (time.Duration, error) {
	t.mu.Lock()
	switch {
	case t.terminal:
		t.mu.Unlock()
		return 0, ErrTrackEnded
	case !t.input.Seekable():
		t.mu.Unlock()
		return 0, ErrNotSeekable
	case !t.ready:
		t.mu.Unlock()
		return 0, ErrTrackNotReady
	}

	pos := source.AlignOffset(offset)
	old := t.pipe
	opts := t.opts
	opts.Format = old.Format()

	t.pipeGen++
	t.pipe = source.Start(t.ctx, t.input, pos, opts)
	t.seeking = true
	t.position = pos
	go t.watch(t.pipe, t.pipeGen)
	t.mu.Unlock()

	old.Close()
	return pos, nil
}

// Stop ends the track with End. It is safe to call more than once.
func (t *TrackHandle) Stop() {
	t.end()
}

// AddEvent registers fn for ev. Listeners for the same event run in
// registration order. Registering after ev fired or after the track ended
// does nothing. fn receives the failure for EventError and nil otherwise.
func (t *TrackHandle) AddEvent(ev TrackEvent, fn func(error)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal || t.fired[ev] {
		return
	}
	t.listeners[ev] = append(t.listeners[ev], fn)
}

// pull hands the tick loop the next frame. Only the tick loop calls it.
func (t *TrackHandle) pull() (frameKind, []int16, float32) {
	t.mu.Lock()
	if t.terminal || !t.ready {
		t.mu.Unlock()
		return frameNone, nil, 0
	}
	if t.seeking || t.paused {
		t.mu.Unlock()
		return frameSilence, nil, 0
	}

	f, st := t.pipe.Poll()
	switch st {
	case source.PollFrame:
		t.started = true
		t.position = f.Position + codec.FrameDuration
		t.playTime += codec.FrameDuration
		vol := t.volume
		t.mu.Unlock()
		return frameAudio, f.PCM, vol
	case source.PollUnderrun:
		t.mu.Unlock()
		t.call.m.metrics.recordUnderrun()
		return frameSilence, nil, 0
	case source.PollFailed:
		err := t.pipe.Err()
		t.mu.Unlock()
		t.fail(fmt.Errorf("voice: %w", err))
		return frameNone, nil, 0
	default:
		t.mu.Unlock()
		t.end()
		return frameNone, nil, 0
	}
}

// watch reports readiness or early termination of the pipeline started
// for generation gen.
func (t *TrackHandle) watch(p *source.Pipeline, gen uint64) {
	select {
	case <-p.Ready():
	case <-p.Done():
	case <-t.ctx.Done():
		return
	}

	select {
	case <-p.Ready():
		t.mu.Lock()
		if gen == t.pipeGen && !t.terminal {
			t.seeking = false
			if !t.ready {
				t.ready = true
				t.fireLocked(EventPlayable, nil)
			}
		}
		t.mu.Unlock()
		return
	default:
	}

	// Decoding ended without producing a single frame.
	t.mu.Lock()
	current := gen == t.pipeGen
	t.mu.Unlock()
	if !current {
		return
	}
	if err := p.Err(); err != nil {
		t.fail(fmt.Errorf("voice: %w", err))
		return
	}
	t.end()
}

func (t *TrackHandle) end() {
	t.finish(nil)
}

func (t *TrackHandle) fail(err error) {
	t.finish(err)
}

// finish moves the track into its terminal state, stops decoding and
// detaches it from the call.
func (t *TrackHandle) finish(err error) {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return
	}
	t.terminal = true
	t.err = err
	if err != nil {
		t.fireLocked(EventError, err)
		slog.Warn("voice: track errored", "guild_id", t.call.guildID, "track_id", t.id, "error", err)
	} else {
		t.fireLocked(EventEnd, nil)
	}
	close(t.events)
	clear(t.listeners)
	t.pipeGen++
	p := t.pipe
	t.cancel()
	t.mu.Unlock()

	p.Close()
	t.call.detach(t)
}

// fireLocked queues ev's listeners for the dispatcher. The queue never
// holds more than Playable plus one terminal event.
func (t *TrackHandle) fireLocked(ev TrackEvent, err error) {
	t.fired[ev] = true
	t.call.m.metrics.recordTrackEvent(ev)
	fns := t.listeners[ev]
	delete(t.listeners, ev)
	t.events <- dispatch{event: ev, err: err, listeners: fns}
}

func (t *TrackHandle) dispatchLoop() {
	defer close(t.done)
	for d := range t.events {
		for _, fn := range d.listeners {
			fn(d.err)
		}
	}
}
