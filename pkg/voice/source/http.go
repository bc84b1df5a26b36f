package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// StatusError is a non-2xx response to a media request.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return e.Status }

type httpInput struct {
	client *http.Client
	url    string
}

// HTTP returns an input that streams url with client. A nil client means
// [http.DefaultClient]. Seeking into raw PCM uses Range requests; servers
// that ignore the range are handled by discarding bytes.
func HTTP(client *http.Client, url string) Input {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpInput{client: client, url: url}
}

func (in *httpInput) Kind() Kind     { return KindHTTP }
func (in *httpInput) Seekable() bool { return true }

// Metadata issues a HEAD request. Duration is only known for raw PCM
// responses with a Content-Length.
func (in *httpInput) Metadata(ctx context.Context) (Metadata, error) {
	meta := Metadata{SourceURL: in.url}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, in.url, nil)
	if err != nil {
		return meta, fmt.Errorf("%w: %v", ErrSourceFetch, err)
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return meta, fmt.Errorf("%w: HEAD %s: %v", ErrSourceFetch, in.url, err)
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return meta, fmt.Errorf("%w: HEAD %s: %s", ErrSourceFetch, in.url, resp.Status)
	}

	if isPCM(resp.Header.Get("Content-Type"), urlPath(in.url)) {
		pcmMetadata(&meta, resp.ContentLength)
	}
	return meta, nil
}

func (in *httpInput) open(ctx context.Context, byteOffset int64) (*stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFetch, err)
	}
	if byteOffset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(byteOffset, 10)+"-")
	}

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrSourceFetch, in.url, err)
	}
	if byteOffset > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// Seeking past the end plays nothing, as with a file.
		resp.Body.Close()
		return &stream{body: http.NoBody, name: urlPath(in.url)}, nil
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: %w", ErrSourceFetch, in.url, &StatusError{Code: resp.StatusCode, Status: resp.Status})
	}

	if byteOffset > 0 && resp.StatusCode != http.StatusPartialContent {
		slog.Debug("source: server ignored range request, discarding", "url", in.url, "offset", byteOffset)
		if err := discard(resp.Body, byteOffset); err != nil && err != io.EOF {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: GET %s: %v", ErrSourceFetch, in.url, err)
		}
	}

	return &stream{
		body:        resp.Body,
		contentType: resp.Header.Get("Content-Type"),
		name:        urlPath(in.url),
	}, nil
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
