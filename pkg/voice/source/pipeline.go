package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tonearm/pkg/voice/codec"
)

// Frame is one 20 ms frame of interleaved stereo PCM.
type Frame struct {
	PCM []int16
	// Position is the frame's offset from the start of the input.
	Position time.Duration
}

// PollStatus is the outcome of [Pipeline.Poll].
type PollStatus int

const (
	// PollFrame means a frame was returned.
	PollFrame PollStatus = iota
	// PollUnderrun means decoding is still running but has not produced the
	// next frame yet.
	PollUnderrun
	// PollExhausted means the input ended cleanly and all frames were read.
	PollExhausted
	// PollFailed means decoding failed; see [Pipeline.Err].
	PollFailed
)

// Options tunes a pipeline. Zero values select the defaults.
type Options struct {
	// BufferFrames bounds read-ahead. Default 250 (5 s).
	BufferFrames int
	// PrebufferFrames is the fill level at which the pipeline reports
	// ready. Default 10.
	PrebufferFrames int
	// FFmpegPath is the ffmpeg binary. Default "ffmpeg".
	FFmpegPath string
	// Format skips sniffing. Set it when restarting a pipeline for a seek so
	// raw PCM can be reopened at a byte offset.
	Format Format
}

func (o Options) withDefaults() Options {
	if o.BufferFrames <= 0 {
		o.BufferFrames = 250
	}
	if o.PrebufferFrames <= 0 {
		o.PrebufferFrames = 10
	}
	if o.PrebufferFrames > o.BufferFrames {
		o.PrebufferFrames = o.BufferFrames
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	return o
}

// AlignOffset rounds offset down to a whole frame.
func AlignOffset(offset time.Duration) time.Duration {
	if offset < 0 {
		return 0
	}
	return offset.Truncate(codec.FrameDuration)
}

// Pipeline decodes one input from one offset. It is never repositioned;
// seeking starts a new Pipeline.
type Pipeline struct {
	opts   Options
	offset time.Duration
	frames chan Frame
	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	readyOnce sync.Once
	count     int // written only by the decode goroutine

	mu     sync.Mutex
	err    error
	format Format
}

// Start opens in and begins decoding from offset (rounded down to a whole
// frame) in the background. Decoding stops when ctx is cancelled or
// [Pipeline.Close] is called.
func Start(ctx context.Context, in Input, offset time.Duration, opts Options) *Pipeline {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		opts:   opts,
		offset: AlignOffset(offset),
		frames: make(chan Frame, opts.BufferFrames),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
		format: opts.Format,
	}
	go p.run(ctx, in)
	return p
}

// Offset returns the frame-aligned position the pipeline started at.
func (p *Pipeline) Offset() time.Duration { return p.offset }

// Ready is closed once the prebuffer is filled, or once decoding finished
// after producing at least one frame.
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

// Done is closed when decoding has stopped.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the decoding failure, if any. It is only meaningful after
// Done is closed.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Format returns the sniffed format, or the hint passed in [Options].
func (p *Pipeline) Format() Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Poll returns the next frame without blocking.
func (p *Pipeline) Poll() (Frame, PollStatus) {
	select {
	case f := <-p.frames:
		return f, PollFrame
	default:
	}
	select {
	case <-p.done:
		// Frames sent just before done closed are still buffered.
		select {
		case f := <-p.frames:
			return f, PollFrame
		default:
		}
		if p.Err() != nil {
			return Frame{}, PollFailed
		}
		return Frame{}, PollExhausted
	default:
		return Frame{}, PollUnderrun
	}
}

// Close cancels decoding and waits for it to stop.
func (p *Pipeline) Close() {
	p.cancel()
	<-p.done
}

func (p *Pipeline) run(ctx context.Context, in Input) {
	err := p.decode(ctx, in)
	if ctx.Err() != nil {
		// Cancelled by the owner; nobody consumes the error.
		err = nil
	}

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()

	if err == nil && p.count > 0 {
		p.markReady()
	}
	if err != nil {
		slog.Debug("source: pipeline failed", "kind", in.Kind(), "error", err)
	}
	close(p.done)
}

func (p *Pipeline) decode(ctx context.Context, in Input) error {
	var byteOffset int64
	if p.opts.Format == FormatPCM {
		byteOffset = int64(p.offset/codec.FrameDuration) * codec.FrameBytes
	}

	s, err := in.open(ctx, byteOffset)
	if err != nil {
		return err
	}
	defer s.body.Close()
	stop := context.AfterFunc(ctx, func() { s.body.Close() })
	defer stop()

	r := bufio.NewReader(s.body)
	format := p.opts.Format
	if format == FormatUnknown {
		format = sniff(r, s)
		p.mu.Lock()
		p.format = format
		p.mu.Unlock()
	}

	switch format {
	case FormatPCM:
		if byteOffset == 0 && p.offset > 0 {
			// Sniffed rather than hinted, so the stream starts at zero.
			if err := discard(r, int64(p.offset/codec.FrameDuration)*codec.FrameBytes); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("%w: %v", ErrSourceFetch, err)
			}
		}
		return decodePCM(r, newFramer(0, p.emitter(ctx)))
	case FormatOgg:
		return decodeOgg(r, newFramer(int(p.offset/codec.FrameDuration), p.emitter(ctx)))
	default:
		return decodeFFmpeg(ctx, p.opts.FFmpegPath, r, p.offset, newFramer(0, p.emitter(ctx)))
	}
}

func (p *Pipeline) emitter(ctx context.Context) func([]int16) error {
	return func(pcm []int16) error {
		f := Frame{PCM: pcm, Position: p.offset + time.Duration(p.count)*codec.FrameDuration}
		select {
		case p.frames <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.count++
		if p.count >= p.opts.PrebufferFrames {
			p.markReady()
		}
		return nil
	}
}

func (p *Pipeline) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}
