package media

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

const (
	embedURLFormat = "https://www.instagram.com/p/%s/embed/"

	// downloadChunk keeps cancellation latency low on slow links.
	downloadChunk = 8 << 10

	// progressInterval throttles operator progress updates.
	progressInterval = 2 * time.Second

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

var shortcodeRe = regexp.MustCompile(`/(?:reel|p|tv)/([A-Za-z0-9_-]+)`)

// videoURLPatterns are tried in order against the embed page.
var videoURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"video_url"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`<video[^>]+src="([^"]+)"`),
	regexp.MustCompile(`<meta[^>]+property="og:video"[^>]+content="([^"]+)"`),
	regexp.MustCompile(`https?://[^"'\s]+\.mp4[^"'\s]*`),
}

// Progress reports download advancement. total is -1 when unknown.
type Progress func(written, total int64)

// Fetcher resolves a post link to its video and streams it to disk.
// Downloads are resumable in the sense that a cancelled or failed transfer
// never leaves a partial file behind.
type Fetcher struct {
	http  *http.Client
	store *Store
	log   logx.Logger
}

// NewFetcher builds a fetcher whose connectTimeout bounds connection
// setup and the wait for response headers only. The body read has no
// deadline: a large video over a slow link must be allowed to finish,
// so cancellation is the only bounded-time defense during transfer.
func NewFetcher(store *Store, connectTimeout time.Duration, log logx.Logger) *Fetcher {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
	}
	return &Fetcher{
		http:  &http.Client{Transport: tr},
		store: store,
		log:   log.With(logx.String("comp", "media.fetcher")),
	}
}

// ExtractShortcode pulls the post shortcode from a reel/post URL.
func ExtractShortcode(rawURL string) (string, error) {
	m := shortcodeRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", publish.Errorf(publish.KindDownload, "extract_shortcode", "no shortcode in %q", rawURL)
	}
	return m[1], nil
}

// ExtractVideoURL scans embed-page markup for the direct video URL,
// falling through the known markup variants in order.
func ExtractVideoURL(page string) (string, error) {
	for _, re := range videoURLPatterns {
		m := re.FindStringSubmatch(page)
		if m == nil {
			continue
		}
		u := m[0]
		if len(m) > 1 {
			u = m[1]
		}
		u = unescapeURL(u)
		if strings.HasPrefix(u, "http") {
			return u, nil
		}
	}
	return "", publish.Errorf(publish.KindDownload, "extract_video_url", "no video url in embed page")
}

// unescapeURL undoes JSON and HTML escaping found in embed markup.
func unescapeURL(u string) string {
	u = strings.ReplaceAll(u, `\u0026`, "&")
	u = strings.ReplaceAll(u, `\/`, "/")
	return html.UnescapeString(u)
}

// FetchVideo resolves pageURL to its video and downloads it into the media
// dir. The returned path points at a complete file; any failure or
// cancellation removes the partial download first.
func (f *Fetcher) FetchVideo(ctx context.Context, pageURL string, progress Progress) (string, error) {
	shortcode, err := ExtractShortcode(pageURL)
	if err != nil {
		return "", err
	}

	page, err := f.fetchEmbedPage(ctx, shortcode)
	if err != nil {
		return "", err
	}

	videoURL, err := ExtractVideoURL(page)
	if err != nil {
		return "", err
	}

	dest := f.store.NewFile(".mp4")
	if err := f.download(ctx, videoURL, dest, progress); err != nil {
		return "", err
	}
	f.log.Info("video fetched", logx.String("shortcode", shortcode), logx.String("path", dest))
	return dest, nil
}

func (f *Fetcher) fetchEmbedPage(ctx context.Context, shortcode string) (string, error) {
	u := fmt.Sprintf(embedURLFormat, shortcode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", publish.E(publish.KindDownload, "embed_page", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return "", classifyFetchErr(ctx, "embed_page", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", publish.Errorf(publish.KindDownload, "embed_page", "http %d for %s", resp.StatusCode, u)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", classifyFetchErr(ctx, "embed_page", err)
	}
	return string(b), nil
}

// download streams url to dest in small chunks, checking for cancellation
// between chunks and reporting throttled progress.
func (f *Fetcher) download(ctx context.Context, url, dest string, progress Progress) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return publish.E(publish.KindDownload, "download", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return classifyFetchErr(ctx, "download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return publish.Errorf(publish.KindDownload, "download", "http %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return publish.E(publish.KindDownload, "download", err)
	}
	defer func() {
		_ = out.Close()
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	total := resp.ContentLength
	var written int64
	report := rate.Sometimes{Interval: progressInterval}

	buf := make([]byte, downloadChunk)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return publish.E(publish.KindCancelled, "download", cerr)
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return publish.E(publish.KindDownload, "download", werr)
			}
			written += int64(n)
			if progress != nil {
				report.Do(func() { progress(written, total) })
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return classifyFetchErr(ctx, "download", rerr)
		}
	}

	if progress != nil {
		progress(written, total)
	}
	return nil
}

func classifyFetchErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return publish.E(publish.KindCancelled, op, err)
	}
	return publish.E(publish.KindDownload, op, err)
}
