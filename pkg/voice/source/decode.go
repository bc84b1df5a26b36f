package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jonas747/ogg"

	"github.com/MrWong99/tonearm/pkg/voice/codec"
)

// Format is the decoding strategy chosen for an input. It also decides how
// a seek is performed.
type Format int

const (
	// FormatUnknown means the format has not been sniffed yet.
	FormatUnknown Format = iota
	// FormatPCM is raw s16le 48 kHz stereo. Seeks reopen at a byte offset.
	FormatPCM
	// FormatOgg is Ogg encapsulated Opus. Seeks re-decode from the start.
	FormatOgg
	// FormatFFmpeg is anything else, transcoded by an ffmpeg child process.
	// Seeks re-decode from the start with an output side -ss.
	FormatFFmpeg
)

func (f Format) String() string {
	switch f {
	case FormatPCM:
		return "pcm"
	case FormatOgg:
		return "ogg"
	case FormatFFmpeg:
		return "ffmpeg"
	default:
		return "unknown"
	}
}

var oggMagic = []byte("OggS")

var pcmExtensions = map[string]bool{".pcm": true, ".raw": true, ".s16le": true}

// isPCM reports whether the content type or file name announce raw PCM.
func isPCM(contentType, name string) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "audio/pcm", "audio/x-pcm", "audio/s16le":
			return true
		}
	}
	return pcmExtensions[strings.ToLower(path.Ext(name))]
}

// pcmMetadata fills the fields that are implied by raw PCM of size bytes.
func pcmMetadata(meta *Metadata, size int64) {
	meta.Channels = codec.Channels
	meta.SampleRate = codec.SampleRate
	if size > 0 {
		meta.Duration = time.Duration(size/codec.FrameBytes) * codec.FrameDuration
	}
}

// sniff picks a decoder from the first bytes of r.
func sniff(r *bufio.Reader, s *stream) Format {
	head, _ := r.Peek(len(oggMagic))
	if bytes.Equal(head, oggMagic) {
		return FormatOgg
	}
	if isPCM(s.contentType, s.name) {
		return FormatPCM
	}
	return FormatFFmpeg
}

// framer re-chunks arbitrary runs of samples into whole frames.
type framer struct {
	buf  []int16
	skip int
	emit func([]int16) error
}

func newFramer(skip int, emit func([]int16) error) *framer {
	return &framer{buf: make([]int16, 0, codec.FrameLen), skip: skip, emit: emit}
}

func (f *framer) write(pcm []int16) error {
	for len(pcm) > 0 {
		n := min(codec.FrameLen-len(f.buf), len(pcm))
		f.buf = append(f.buf, pcm[:n]...)
		pcm = pcm[n:]
		if len(f.buf) < codec.FrameLen {
			continue
		}
		if f.skip > 0 {
			f.skip--
			f.buf = f.buf[:0]
			continue
		}
		if err := f.emit(f.buf); err != nil {
			return err
		}
		f.buf = make([]int16, 0, codec.FrameLen)
	}
	return nil
}

// flush emits the final partial frame padded with silence.
func (f *framer) flush() error {
	if len(f.buf) == 0 || f.skip > 0 {
		return nil
	}
	pad := make([]int16, codec.FrameLen)
	copy(pad, f.buf)
	f.buf = f.buf[:0]
	return f.emit(pad)
}

// decodePCM reads raw s16le frames from r.
func decodePCM(r io.Reader, f *framer) error {
	buf := make([]byte, codec.FrameBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := f.write(codec.BytesToSamples(buf[:n])); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return f.flush()
		default:
			return fmt.Errorf("%w: read: %v", ErrSourceFetch, err)
		}
	}
}

// decodeOgg demuxes Ogg pages and decodes each Opus packet. The OpusHead
// pre-skip is honoured and header packets are not decoded.
func decodeOgg(r io.Reader, f *framer) error {
	dec, err := codec.NewDecoder()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	packets := ogg.NewPacketDecoder(ogg.NewDecoder(r))

	preSkip := 0
	for {
		packet, _, err := packets.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return f.flush()
			}
			return fmt.Errorf("%w: ogg: %v", ErrDecode, err)
		}

		switch {
		case bytes.HasPrefix(packet, []byte("OpusHead")):
			if len(packet) >= 12 {
				preSkip = int(binary.LittleEndian.Uint16(packet[10:12]))
			}
			continue
		case bytes.HasPrefix(packet, []byte("OpusTags")):
			continue
		}

		pcm, err := dec.Decode(packet)
		if err != nil {
			return fmt.Errorf("%w: opus: %v", ErrDecode, err)
		}
		if preSkip > 0 {
			drop := min(preSkip, len(pcm)/codec.Channels)
			pcm = pcm[drop*codec.Channels:]
			preSkip -= drop
		}
		if err := f.write(pcm); err != nil {
			return err
		}
	}
}

// ffmpegWaitDelay bounds how long ffmpeg's stdin and stderr copies may
// outlive the process.
const ffmpegWaitDelay = time.Second

// decodeFFmpeg pipes r through ffmpeg and reads s16le from its stdout.
// ctx kills the process.
func decodeFFmpeg(ctx context.Context, ffmpegPath string, r io.Reader, offset time.Duration, f *framer) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0"}
	if offset > 0 {
		args = append(args, "-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64))
	}
	args = append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(codec.SampleRate),
		"-ac", strconv.Itoa(codec.Channels),
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Stdin = r
	cmd.WaitDelay = ffmpegWaitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: ffmpeg: %v", ErrDecode, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", ErrDecode, err)
	}

	// A child of ffmpeg may keep stdout open after ffmpeg is killed.
	stop := context.AfterFunc(ctx, func() { stdout.Close() })
	readErr := decodePCM(stdout, f)
	stop()
	if readErr != nil && ctx.Err() == nil {
		// Unblock ffmpeg if we stopped reading early.
		io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// ffmpeg exited cleanly; only a stalled stdin copy was cut off.
		waitErr = nil
	}

	switch {
	case readErr != nil:
		if errors.Is(readErr, ErrSourceFetch) {
			return fmt.Errorf("%w: ffmpeg output: %v", ErrDecode, readErr)
		}
		return readErr
	case waitErr != nil && ctx.Err() == nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return fmt.Errorf("%w: ffmpeg: %s", ErrDecode, msg)
	}
	return nil
}
