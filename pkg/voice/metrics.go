package voice

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName is the instrumentation scope for the engine's meter and tracer.
const scopeName = "github.com/MrWong99/tonearm/pkg/voice"

// handshakeBuckets are histogram boundaries in seconds. Joins normally take
// a few hundred milliseconds and are capped by the handshake timeout.
var handshakeBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Handshake results recorded on the tonearm.voice.handshakes counter.
const (
	resultConnected  = "connected"
	resultTimeout    = "timeout"
	resultRejected   = "rejected"
	resultTransport  = "transport_error"
	resultSuperseded = "superseded"
	resultAborted    = "aborted"
)

// Frame kinds recorded on the tonearm.voice.frames counter.
const (
	frameKindAudio   = "audio"
	frameKindSilence = "silence"
)

type metrics struct {
	activeCalls       metric.Int64UpDownCounter
	handshakeDuration metric.Float64Histogram
	handshakes        metric.Int64Counter
	frames            metric.Int64Counter
	underruns         metric.Int64Counter
	trackEvents       metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	m := mp.Meter(scopeName)
	met := &metrics{}
	var err error

	if met.activeCalls, err = m.Int64UpDownCounter("tonearm.voice.calls.active",
		metric.WithDescription("Number of calls registered with the manager."),
	); err != nil {
		return nil, err
	}
	if met.handshakeDuration, err = m.Float64Histogram("tonearm.voice.handshake.duration",
		metric.WithDescription("Time from join request to connected voice socket."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(handshakeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.handshakes, err = m.Int64Counter("tonearm.voice.handshakes",
		metric.WithDescription("Join attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.frames, err = m.Int64Counter("tonearm.voice.frames.sent",
		metric.WithDescription("Opus frames written to voice sockets."),
	); err != nil {
		return nil, err
	}
	if met.underruns, err = m.Int64Counter("tonearm.voice.underruns",
		metric.WithDescription("Ticks where the playing track had no decoded frame ready."),
	); err != nil {
		return nil, err
	}
	if met.trackEvents, err = m.Int64Counter("tonearm.voice.track.events",
		metric.WithDescription("Track lifecycle events fired."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func (m *metrics) recordHandshake(guildID, result string, seconds float64) {
	ctx := context.Background()
	m.handshakes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if result == resultConnected {
		m.handshakeDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("guild_id", guildID)))
	}
}

func (m *metrics) recordFrame(kind string) {
	m.frames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metrics) recordUnderrun() {
	m.underruns.Add(context.Background(), 1)
}

func (m *metrics) recordTrackEvent(ev TrackEvent) {
	m.trackEvents.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", ev.String())))
}
