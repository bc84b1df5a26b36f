package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileInput struct {
	path string
}

// File returns an input reading the local file at path.
func File(path string) Input {
	return &fileInput{path: path}
}

func (in *fileInput) Kind() Kind     { return KindFile }
func (in *fileInput) Seekable() bool { return true }

func (in *fileInput) Metadata(context.Context) (Metadata, error) {
	fi, err := os.Stat(in.path)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrSourceFetch, err)
	}
	meta := Metadata{
		Title:     strings.TrimSuffix(filepath.Base(in.path), filepath.Ext(in.path)),
		SourceURL: "file://" + filepath.ToSlash(in.path),
	}
	if isPCM("", in.path) {
		pcmMetadata(&meta, fi.Size())
	}
	return meta, nil
}

func (in *fileInput) open(_ context.Context, byteOffset int64) (*stream, error) {
	f, err := os.Open(in.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFetch, err)
	}
	if byteOffset > 0 {
		if _, err := f.Seek(byteOffset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: seek %s: %v", ErrSourceFetch, in.path, err)
		}
	}
	return &stream{body: f, name: in.path}, nil
}

type readerInput struct {
	mu     sync.Mutex
	r      io.Reader
	opened bool
}

// Reader returns a one-shot input over r. It is not seekable and can only
// be played once. If r is an [io.Closer] it is closed when decoding ends.
func Reader(r io.Reader) Input {
	return &readerInput{r: r}
}

func (in *readerInput) Kind() Kind                                 { return KindReader }
func (in *readerInput) Seekable() bool                             { return false }
func (in *readerInput) Metadata(context.Context) (Metadata, error) { return Metadata{}, nil }

func (in *readerInput) open(_ context.Context, byteOffset int64) (*stream, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.opened {
		return nil, fmt.Errorf("%w: reader input already consumed", ErrSourceFetch)
	}
	in.opened = true

	body, ok := in.r.(io.ReadCloser)
	if !ok {
		body = io.NopCloser(in.r)
	}
	if err := discard(body, byteOffset); err != nil && err != io.EOF {
		body.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceFetch, err)
	}
	return &stream{body: body}, nil
}
