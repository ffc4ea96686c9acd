package tggroup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/publish"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type stubSender struct {
	err error

	photos int
	albums int
	videos int
}

func (s *stubSender) SendPhoto(ctx context.Context, to transport.ChatTarget, path, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.photos++
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 42}, s.err
}

func (s *stubSender) SendAlbum(ctx context.Context, to transport.ChatTarget, paths []string, caption string, opt *transport.SendOptions) ([]transport.MessageRef, error) {
	s.albums++
	return []transport.MessageRef{{ChatID: to.ChatID, MessageID: 43}}, s.err
}

func (s *stubSender) SendVideo(ctx context.Context, to transport.ChatTarget, path, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.videos++
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 44}, s.err
}

func tmpFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPublishPhotoReturnsMessageRef(t *testing.T) {
	t.Parallel()
	s := &stubSender{}
	p := New(s, 555, logx.Nop())

	res, err := p.Publish(context.Background(), publish.Post{
		Kind:    publish.MediaPhoto,
		Paths:   []string{tmpFile(t, "a.jpg", 128)},
		Caption: "hi",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !res.OK || s.photos != 1 {
		t.Fatalf("result %+v photos %d", res, s.photos)
	}
}

func TestPublishRejectsOversizedVideo(t *testing.T) {
	t.Parallel()
	s := &stubSender{}
	p := New(s, 555, logx.Nop())

	_, err := p.Publish(context.Background(), publish.Post{
		Kind:  publish.MediaVideo,
		Paths: []string{tmpFile(t, "big.mp4", maxVideoBytes+1)},
	})
	if !publish.IsKind(err, publish.KindSizeLimit) {
		t.Fatalf("want size limit kind, got %v", err)
	}
	if s.videos != 0 {
		t.Fatal("oversized video reached the transport")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantKind  publish.Kind
		retryable bool
	}{
		{
			name:      "unauthorized",
			err:       &tele.Error{Code: 401, Description: "Unauthorized"},
			wantKind:  publish.KindAuth,
			retryable: false,
		},
		{
			name:      "forbidden",
			err:       &tele.Error{Code: 403, Description: "Forbidden: bot was kicked"},
			wantKind:  publish.KindPermission,
			retryable: false,
		},
		{
			name:      "bad request",
			err:       &tele.Error{Code: 400, Description: "Bad Request: chat not found"},
			wantKind:  publish.KindPermission,
			retryable: false,
		},
		{
			name:      "not found",
			err:       &tele.Error{Code: 404, Description: "Not Found"},
			wantKind:  publish.KindPermission,
			retryable: false,
		},
		{
			name:      "too large",
			err:       &tele.Error{Code: 413, Description: "Request Entity Too Large"},
			wantKind:  publish.KindSizeLimit,
			retryable: false,
		},
		{
			name:      "rate limited",
			err:       &tele.Error{Code: 429, Description: "Too Many Requests"},
			wantKind:  publish.KindTransient,
			retryable: true,
		},
		{
			name:      "flood",
			err:       tele.FloodError{RetryAfter: 14},
			wantKind:  publish.KindTransient,
			retryable: true,
		},
		{
			name:      "server error",
			err:       &tele.Error{Code: 502, Description: "Bad Gateway"},
			wantKind:  publish.KindTransient,
			retryable: true,
		},
		{
			name:      "plain network error",
			err:       errors.New("dial tcp: connection refused"),
			wantKind:  publish.KindTransient,
			retryable: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if !publish.IsKind(got, tt.wantKind) {
				t.Fatalf("kind = %v, want %v (%v)", publish.KindOf(got), tt.wantKind, got)
			}
			if publish.Retryable(got) != tt.retryable {
				t.Fatalf("Retryable = %v, want %v (%v)", publish.Retryable(got), tt.retryable, got)
			}
		})
	}
}
