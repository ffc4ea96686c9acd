// Package publish defines the uniform platform publishing contract, the
// shared failure taxonomy, the retry policy and the fan-out coordinator.
package publish

import (
	"context"
	"os"
	"time"
)

type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTelegram  Platform = "telegram"
	PlatformVK        Platform = "vk"
)

// AllPlatforms lists every known platform in reporting order.
func AllPlatforms() []Platform {
	return []Platform{PlatformInstagram, PlatformTelegram, PlatformVK}
}

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaAlbum MediaKind = "album"
	MediaVideo MediaKind = "video"
)

// Post is one publish unit handed to every selected adapter.
type Post struct {
	ID      string
	Kind    MediaKind
	Paths   []string // local normalized files; one for photo/video, 2..10 for album
	Caption string

	// SourceURL is kept for audit records.
	SourceURL string
}

// Result is the per-platform outcome. PostRef is a platform-side id or URL
// when the platform returns one.
type Result struct {
	Platform Platform
	OK       bool
	PostRef  string
	Err      error
	Attempts int
	Took     time.Duration
}

// Publisher is the uniform adapter contract. Publish must classify every
// failure with a taxonomy Kind before returning it.
type Publisher interface {
	Name() Platform
	Publish(ctx context.Context, post Post) (Result, error)
}

// ConnectionTester is implemented by adapters that can verify their
// credentials. It is invoked once at startup so configuration problems
// surface before the first post.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// SessionResetter is implemented by adapters that keep a persisted
// login session the operator can force-refresh.
type SessionResetter interface {
	ResetSession(ctx context.Context) error
}

// CheckVideoSize enforces an adapter's upload ceiling before any bytes
// go over the wire.
func CheckVideoSize(path string, limit int64) error {
	fi, err := os.Stat(path)
	if err != nil {
		return E(KindTransient, "video_size", err)
	}
	if fi.Size() > limit {
		return Errorf(KindSizeLimit, "video_size", "video is %d MB, limit is %d MB", fi.Size()>>20, limit>>20)
	}
	return nil
}
