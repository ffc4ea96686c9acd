package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

func newTestPublisher(t *testing.T, handler http.Handler) (*Publisher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := New(Config{Token: "tok", GroupID: 123, RatePerSec: 1000}, logx.Nop())
	p.api.base = srv.URL + "/method/"
	return p, srv
}

func writeTempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("media-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPublishPhotoFlow(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	var srvURL string

	mux.HandleFunc("/method/photos.getWallUploadServer", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("access_token") != "tok" {
			t.Error("missing access token")
		}
		fmt.Fprintf(w, `{"response":{"upload_url":"%s/upload"}}`, srvURL)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("photo"); err != nil {
			t.Errorf("photo form file: %v", err)
		}
		fmt.Fprint(w, `{"server":7,"photo":"pdata","hash":"h"}`)
	})
	mux.HandleFunc("/method/photos.saveWallPhoto", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":[{"id":555,"owner_id":-123}]}`)
	})
	mux.HandleFunc("/method/wall.post", func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("owner_id"); got != "-123" {
			t.Errorf("owner_id = %s, want -123", got)
		}
		if got := r.FormValue("attachments"); got != "photo-123_555" {
			t.Errorf("attachments = %s", got)
		}
		fmt.Fprint(w, `{"response":{"post_id":42}}`)
	})

	p, srv := newTestPublisher(t, mux)
	srvURL = srv.URL

	res, err := p.Publish(context.Background(), publish.Post{
		ID:      "p1",
		Kind:    publish.MediaPhoto,
		Paths:   []string{writeTempFile(t, "a.jpg")},
		Caption: "hello",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !res.OK || !strings.Contains(res.PostRef, "42") {
		t.Fatalf("result: %+v", res)
	}
}

func TestPublishClassifiesAuthError(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/method/photos.getWallUploadServer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"error_code":5,"error_msg":"User authorization failed"}}`)
	})

	p, _ := newTestPublisher(t, mux)
	_, err := p.Publish(context.Background(), publish.Post{
		Kind:  publish.MediaPhoto,
		Paths: []string{writeTempFile(t, "a.jpg")},
	})
	if !publish.IsKind(err, publish.KindAuth) {
		t.Fatalf("want auth kind, got %v", err)
	}
}

func TestPublishClassifiesPermissionError(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/method/photos.getWallUploadServer", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"error_code":214,"error_msg":"Access to adding post denied"}}`)
	})

	p, _ := newTestPublisher(t, mux)
	_, err := p.Publish(context.Background(), publish.Post{
		Kind:  publish.MediaPhoto,
		Paths: []string{writeTempFile(t, "a.jpg")},
	})
	if !publish.IsKind(err, publish.KindPermission) {
		t.Fatalf("want permission kind, got %v", err)
	}
}

func TestUploadRetriesOn503(t *testing.T) {
	t.Parallel()
	var uploads atomic.Int32
	mux := http.NewServeMux()
	var srvURL string

	mux.HandleFunc("/method/video.save", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"response":{"upload_url":"%s/upload","video_id":9,"owner_id":-123}}`, srvURL)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if uploads.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"video_id": 9})
	})
	mux.HandleFunc("/method/wall.post", func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("attachments"); got != "video-123_9" {
			t.Errorf("attachments = %s", got)
		}
		fmt.Fprint(w, `{"response":{"post_id":77}}`)
	})

	p, srv := newTestPublisher(t, mux)
	srvURL = srv.URL

	res, err := p.Publish(context.Background(), publish.Post{
		Kind:    publish.MediaVideo,
		Paths:   []string{writeTempFile(t, "v.mp4")},
		Caption: "clip",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !res.OK {
		t.Fatalf("result: %+v", res)
	}
	if got := uploads.Load(); got != 3 {
		t.Fatalf("uploads = %d, want 3 (two retries)", got)
	}
}

func TestVideoName(t *testing.T) {
	t.Parallel()
	if got := videoName(""); got != "Video" {
		t.Fatalf("empty caption: %q", got)
	}
	if got := videoName("first line\nsecond"); got != "first line" {
		t.Fatalf("multiline: %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := videoName(long); len([]rune(got)) != 80 {
		t.Fatalf("long caption not truncated: %d", len([]rune(got)))
	}
}
