package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

func TestExtractShortcode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "reel", url: "https://www.instagram.com/reel/Cxyz12_-ab/", want: "Cxyz12_-ab"},
		{name: "post", url: "https://instagram.com/p/ABC123/?igsh=x", want: "ABC123"},
		{name: "tv", url: "https://www.instagram.com/tv/DEF456", want: "DEF456"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractShortcode(tt.url)
			if err != nil {
				t.Fatalf("ExtractShortcode(%q): %v", tt.url, err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := ExtractShortcode("https://example.com/watch?v=1"); !publish.IsKind(err, publish.KindDownload) {
		t.Fatalf("want download kind for bad url, got %v", err)
	}
}

func TestExtractVideoURLFallbacks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		page string
		want string
	}{
		{
			name: "json field",
			page: `{"video_url":"https:\/\/cdn.example.com\/v.mp4?tok=a&sig=b"}`,
			want: "https://cdn.example.com/v.mp4?tok=a&sig=b",
		},
		{
			name: "video tag",
			page: `<html><video class="x" src="https://cdn.example.com/tag.mp4"></video></html>`,
			want: "https://cdn.example.com/tag.mp4",
		},
		{
			name: "og meta",
			page: `<meta data-x="1" property="og:video" content="https://cdn.example.com/og.mp4"/>`,
			want: "https://cdn.example.com/og.mp4",
		},
		{
			name: "bare mp4",
			page: `lots of markup https://cdn.example.com/raw/file.mp4?x=1 trailing`,
			want: "https://cdn.example.com/raw/file.mp4?x=1",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractVideoURL(tt.page)
			if err != nil {
				t.Fatalf("ExtractVideoURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := ExtractVideoURL("<html>nothing here</html>"); !publish.IsKind(err, publish.KindDownload) {
		t.Fatalf("want download kind, got %v", err)
	}
}

func TestDownloadWritesCompleteFile(t *testing.T) {
	t.Parallel()
	payload := strings.Repeat("chunkdata", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	store := newTestStore(t)
	f := NewFetcher(store, 10*time.Second, logx.Nop())

	dest := store.NewFile(".mp4")
	var lastWritten int64
	err := f.download(context.Background(), srv.URL, dest, func(written, total int64) {
		lastWritten = written
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != payload {
		t.Fatalf("payload mismatch: %d bytes", len(b))
	}
	if lastWritten != int64(len(payload)) {
		t.Fatalf("final progress = %d, want %d", lastWritten, len(payload))
	}
}

func TestDownloadCancelRemovesPartial(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("x", downloadChunk)))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	store := newTestStore(t)
	f := NewFetcher(store, 10*time.Second, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	dest := store.NewFile(".mp4")

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := f.download(ctx, srv.URL, dest, nil)
	if !publish.IsKind(err, publish.KindCancelled) {
		t.Fatalf("want cancelled kind, got %v", err)
	}
	if _, serr := os.Stat(dest); !os.IsNotExist(serr) {
		t.Fatal("partial file left behind after cancel")
	}
}

func TestSlowTransferOutlivesConnectTimeout(t *testing.T) {
	t.Parallel()
	// Stream for well over the connect timeout. Only connection setup
	// and the header wait are bounded; a progressing body read is not.
	const chunks = 6
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, _ := w.(http.Flusher)
		for i := 0; i < chunks; i++ {
			_, _ = w.Write([]byte(strings.Repeat("v", 512)))
			if fl != nil {
				fl.Flush()
			}
			time.Sleep(60 * time.Millisecond)
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	f := NewFetcher(store, 100*time.Millisecond, logx.Nop())

	dest := store.NewFile(".mp4")
	if err := f.download(context.Background(), srv.URL, dest, nil); err != nil {
		t.Fatalf("slow transfer failed: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != chunks*512 {
		t.Fatalf("got %d bytes, want %d", len(b), chunks*512)
	}
}

func TestDownloadHTTPErrorClassified(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	store := newTestStore(t)
	f := NewFetcher(store, 5*time.Second, logx.Nop())
	err := f.download(context.Background(), srv.URL, store.NewFile(".mp4"), nil)
	if !publish.IsKind(err, publish.KindDownload) {
		t.Fatalf("want download kind, got %v", err)
	}
}
