// Package source turns audio inputs into a steady stream of 20 ms PCM
// frames at 48 kHz stereo.
//
// An [Input] is only a recipe. [Start] opens it, picks a decoder by sniffing
// the first bytes and decodes ahead of playback into a bounded buffer that
// the caller drains one frame per tick with [Pipeline.Poll].
package source

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrSourceFetch wraps failures to open or read the underlying bytes.
	ErrSourceFetch = errors.New("source fetch failed")

	// ErrDecode wraps failures to demux or decode the audio.
	ErrDecode = errors.New("decode failed")
)

// Kind names an input variant.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindYouTube Kind = "youtube"
	KindFile    Kind = "file"
	KindReader  Kind = "reader"
)

// Metadata is auxiliary information about an input. Any field may be empty.
type Metadata struct {
	Title      string
	Artist     string
	Album      string
	Track      string
	Date       string
	Channel    string
	SourceURL  string
	Thumbnail  string
	Channels   int
	SampleRate int
	Duration   time.Duration
	StartTime  time.Duration
}

// Input describes an audio source. The set of variants is closed: use
// [HTTP], [YouTube], [File] or [Reader].
type Input interface {
	// Kind identifies the variant.
	Kind() Kind

	// Seekable reports whether the input can be reopened. Inputs that can
	// only be read once return false.
	Seekable() bool

	// Metadata returns what is known about the input without decoding it.
	Metadata(ctx context.Context) (Metadata, error)

	// open returns the input's bytes starting at byteOffset. Implementations
	// that cannot honour the offset natively discard bytes up to it.
	open(ctx context.Context, byteOffset int64) (*stream, error)
}

// stream is an opened input.
type stream struct {
	body        io.ReadCloser
	contentType string
	// name is a path or URL path used for extension based format hints.
	name string
}

// discard advances r by n bytes.
func discard(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return err
	}
	return nil
}
