// Package codec holds the wire-level pieces of a Discord voice connection:
// Opus encoding and decoding, RTP framing and the per-packet encryption
// modes negotiated over the voice gateway.
//
// Nothing in this package performs I/O. The transport package owns the
// sockets; the voice package owns the timing.
package codec

import (
	"fmt"
	"math"
	"time"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel per 20 ms frame.
	FrameSamples = SampleRate / 1000 * 20 // 960

	// FrameLen is the number of interleaved int16 samples in one frame.
	FrameLen = FrameSamples * Channels

	// FrameBytes is the size of one frame of s16le PCM:
	// 960 samples/channel × 2 channels × 2 bytes/sample = 3840 bytes.
	FrameBytes = FrameLen * 2
)

// maxOpusPacket bounds a single encoded frame. 20 ms of 128 kbps audio is
// roughly 320 bytes.
const maxOpusPacket = 4000

// maxDecodeSamples is the largest frame an Opus packet may carry (120 ms).
const maxDecodeSamples = 5760

// SilenceFrame is the Opus packet Discord expects when a sender has nothing
// to say but wants to keep its stream alive.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// Encoder turns 20 ms PCM frames into Opus packets. It keeps state between
// frames and must only be used from one goroutine.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an encoder configured for Discord audio.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// SetBitrate sets the target bitrate in bits per second.
func (e *Encoder) SetBitrate(bps int) {
	e.enc.SetBitrate(bps)
}

// Encode encodes exactly one frame of interleaved stereo samples.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != FrameLen {
		return nil, fmt.Errorf("codec: opus encode: frame has %d samples, want %d", len(pcm), FrameLen)
	}
	opus, err := e.enc.Encode(pcm, FrameSamples, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return opus, nil
}

// Decoder turns Opus packets back into interleaved stereo PCM. Each stream
// (each SSRC, each Ogg file) needs its own decoder.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates a stereo decoder. Mono packets are upmixed by libopus.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one packet. The result length depends on the packet's
// duration; it is not necessarily one 20 ms frame.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, maxDecodeSamples, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return pcm, nil
}

// ApplyVolume scales pcm in place. A volume of 1 leaves the samples
// untouched; values above 1 amplify and clip at the int16 range.
func ApplyVolume(pcm []int16, volume float32) {
	if volume == 1 {
		return
	}
	for i, s := range pcm {
		v := float64(s) * float64(volume)
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		pcm[i] = int16(v)
	}
}

// BytesToSamples converts little-endian s16 bytes to samples. A trailing odd
// byte is ignored.
func BytesToSamples(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// SamplesToBytes converts samples to little-endian s16 bytes.
func SamplesToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
