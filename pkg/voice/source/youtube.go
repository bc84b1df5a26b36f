package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
)

// SearchPrefix marks a query that should be searched rather than treated
// as a URL.
const SearchPrefix = "ytsearch:"

// Resolved is a playable stream location plus what the resolver learned
// about it.
type Resolved struct {
	StreamURL string
	Metadata  Metadata
}

// Resolver turns a search query or page URL into a direct media URL.
type Resolver interface {
	Resolve(ctx context.Context, query string) (Resolved, error)
}

// ResolverFunc adapts a function to [Resolver].
type ResolverFunc func(ctx context.Context, query string) (Resolved, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, query string) (Resolved, error) {
	return f(ctx, query)
}

// YouTubeOption configures a YouTube input.
type YouTubeOption func(*youtubeInput)

// WithResolver replaces the default yt-dlp resolver.
func WithResolver(r Resolver) YouTubeOption {
	return func(in *youtubeInput) { in.resolver = r }
}

type youtubeInput struct {
	client   *http.Client
	query    string
	resolver Resolver

	mu       sync.Mutex
	resolved *Resolved
}

// YouTube returns an input for a page URL or a query prefixed with
// [SearchPrefix]. The query is resolved lazily on first use and the
// result is reused for seeks until the stream URL expires. The media itself
// is fetched with client.
func YouTube(client *http.Client, query string, opts ...YouTubeOption) Input {
	if client == nil {
		client = http.DefaultClient
	}
	in := &youtubeInput{client: client, query: query}
	for _, o := range opts {
		o(in)
	}
	if in.resolver == nil {
		in.resolver = NewYTDLP(client)
	}
	return in
}

func (in *youtubeInput) Kind() Kind     { return KindYouTube }
func (in *youtubeInput) Seekable() bool { return true }

func (in *youtubeInput) Metadata(ctx context.Context) (Metadata, error) {
	r, err := in.resolve(ctx)
	if err != nil {
		return Metadata{}, err
	}
	return r.Metadata, nil
}

// open fetches the resolved stream. Media URLs expire, so a cached URL
// that is now refused with 403 or 410 is resolved again once.
func (in *youtubeInput) open(ctx context.Context, byteOffset int64) (*stream, error) {
	r, cached, err := in.resolveCached(ctx)
	if err != nil {
		return nil, err
	}
	s, err := HTTP(in.client, r.StreamURL).open(ctx, byteOffset)
	var se *StatusError
	if !cached || !errors.As(err, &se) || (se.Code != http.StatusForbidden && se.Code != http.StatusGone) {
		return s, err
	}

	slog.Debug("source: stream url expired, resolving again", "query", in.query, "status", se.Status)
	in.forget(r.StreamURL)
	if r, err = in.resolve(ctx); err != nil {
		return nil, err
	}
	return HTTP(in.client, r.StreamURL).open(ctx, byteOffset)
}

// forget drops the cached resolution if it still points at streamURL.
func (in *youtubeInput) forget(streamURL string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.resolved != nil && in.resolved.StreamURL == streamURL {
		in.resolved = nil
	}
}

func (in *youtubeInput) resolve(ctx context.Context) (Resolved, error) {
	r, _, err := in.resolveCached(ctx)
	return r, err
}

// resolveCached also reports whether the result came from the cache.
func (in *youtubeInput) resolveCached(ctx context.Context) (Resolved, bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.resolved != nil {
		return *in.resolved, true, nil
	}
	r, err := in.resolver.Resolve(ctx, in.query)
	if err != nil {
		return Resolved{}, false, fmt.Errorf("%w: resolve %q: %v", ErrSourceFetch, in.query, err)
	}
	if r.StreamURL == "" {
		return Resolved{}, false, fmt.Errorf("%w: resolve %q: no stream url", ErrSourceFetch, in.query)
	}
	in.resolved = &r
	return r, false, nil
}

// ── yt-dlp resolver ──────────────────────────────────────────────────────────

// ytdlpFields is the tab separated --print template. yt-dlp prints "NA"
// for fields it does not know.
const ytdlpFields = "%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(webpage_url)s\t" +
	"%(thumbnail)s\t%(album)s\t%(artist)s\t%(release_date)s\t%(track)s\t%(asr)s\t%(audio_channels)s"

// YTDLP resolves queries with the yt-dlp binary. Search queries are first
// looked up through the YouTube search API so yt-dlp only has to extract a
// single known video; if that fails yt-dlp searches on its own.
type YTDLP struct {
	search *ytsearch.Client
	format string
}

// NewYTDLP returns a resolver whose search requests use client.
func NewYTDLP(client *http.Client) *YTDLP {
	return &YTDLP{
		search: ytsearch.NewClient(client),
		format: "bestaudio[acodec=opus]/bestaudio/best",
	}
}

// Resolve implements [Resolver].
func (y *YTDLP) Resolve(ctx context.Context, query string) (Resolved, error) {
	target := query
	var hint Metadata
	if q, ok := strings.CutPrefix(query, SearchPrefix); ok {
		target = "ytsearch1:" + q
		if res, err := y.search.Search(ctx, q); err == nil && len(res.Results) > 0 {
			v := res.Results[0]
			target = "https://www.youtube.com/watch?v=" + v.VideoID
			hint = Metadata{Title: v.Title, Channel: v.Channel, Duration: parseClock(v.Duration)}
		}
	}

	res, err := ytdlp.New().
		Print(ytdlpFields).
		Format(y.format).
		NoPlaylist().
		NoWarnings().
		IgnoreConfig().
		Run(ctx, "--skip-download", target)
	if err != nil {
		if res != nil && res.Stderr != "" {
			return Resolved{}, fmt.Errorf("yt-dlp: %w: %s", err, strings.TrimSpace(res.Stderr))
		}
		return Resolved{}, fmt.Errorf("yt-dlp: %w", err)
	}
	return parseYTDLP(res.Stdout, hint)
}

func parseYTDLP(stdout string, hint Metadata) (Resolved, error) {
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		f := strings.Split(line, "\t")
		if len(f) < 12 {
			continue
		}
		for i := range f {
			if f[i] == "NA" {
				f[i] = ""
			}
		}
		meta := Metadata{
			Title:     f[1],
			Channel:   f[2],
			SourceURL: f[4],
			Thumbnail: f[5],
			Album:     f[6],
			Artist:    f[7],
			Date:      f[8],
			Track:     f[9],
		}
		meta.Duration, _ = time.ParseDuration(f[3] + "s")
		meta.SampleRate, _ = strconv.Atoi(f[10])
		meta.Channels, _ = strconv.Atoi(f[11])
		if meta.Title == "" {
			meta.Title = hint.Title
		}
		if meta.Channel == "" {
			meta.Channel = hint.Channel
		}
		if meta.Duration == 0 {
			meta.Duration = hint.Duration
		}
		return Resolved{StreamURL: f[0], Metadata: meta}, nil
	}
	return Resolved{}, errors.New("yt-dlp: no result")
}

// parseClock parses "h:mm:ss" or "m:ss".
func parseClock(s string) time.Duration {
	var d time.Duration
	for _, part := range strings.Split(s, ":") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0
		}
		d = d*60 + time.Duration(n)
	}
	return d * time.Second
}
