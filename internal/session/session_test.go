package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	remove := func(paths ...string) {
		for _, p := range paths {
			os.Remove(p)
		}
	}
	return NewManager(publish.AllPlatforms(), remove, logx.Nop())
}

func tempPhoto(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// drive walks a session through the happy path up to media collection.
func drive(t *testing.T, s *Session, kind PostKind, platforms []publish.Platform) {
	t.Helper()
	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := s.ChooseKind(kind); err != nil {
		t.Fatal(err)
	}
	if err := s.ChoosePlatforms(platforms); err != nil {
		t.Fatal(err)
	}
	if err := s.SetArticleDetection(false); err != nil {
		t.Fatal(err)
	}
}

func TestSinglePhotoFlow(t *testing.T) {
	t.Parallel()
	s := newTestManager(t).Get(1)
	drive(t, s, PostSingle, []publish.Platform{publish.PlatformTelegram})

	first := tempPhoto(t, "a.jpg")
	second := tempPhoto(t, "b.jpg")
	if err := s.AddPhoto(first); err != nil {
		t.Fatal(err)
	}
	// Second upload replaces, old file is deleted.
	if err := s.AddPhoto(second); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Fatal("replaced photo still on disk")
	}

	if err := s.SetCaption("Sale 50%"); err != nil {
		t.Fatal(err)
	}
	post, platforms, err := s.ConfirmPublish()
	if err != nil {
		t.Fatal(err)
	}
	if post.Kind != publish.MediaPhoto || len(post.Paths) != 1 || post.Paths[0] != second {
		t.Fatalf("post: %+v", post)
	}
	if len(platforms) != 1 || platforms[0] != publish.PlatformTelegram {
		t.Fatalf("platforms: %v", platforms)
	}
	if got := s.Step(); got != StepPublishing {
		t.Fatalf("step = %s", got)
	}
	s.Finish()
	if got := s.Step(); got != StepIdle {
		t.Fatalf("step after finish = %s", got)
	}
}

func TestCarouselCapsAtTen(t *testing.T) {
	t.Parallel()
	s := newTestManager(t).Get(1)
	drive(t, s, PostCarousel, []publish.Platform{publish.PlatformInstagram})

	for i := 0; i < 10; i++ {
		if err := s.AddPhoto(tempPhoto(t, "p.jpg")); err != nil {
			t.Fatalf("photo %d: %v", i+1, err)
		}
	}
	err := s.AddPhoto(tempPhoto(t, "extra.jpg"))
	if !publish.IsKind(err, publish.KindInvalidState) {
		t.Fatalf("11th photo: want invalid-state, got %v", err)
	}
	if s.Snapshot().MediaCount != 10 {
		t.Fatalf("media count = %d", s.Snapshot().MediaCount)
	}
}

func TestCaptionResendReplaces(t *testing.T) {
	t.Parallel()
	s := newTestManager(t).Get(1)
	drive(t, s, PostSingle, []publish.Platform{publish.PlatformVK})
	if err := s.AddPhoto(tempPhoto(t, "a.jpg")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCaption("first"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCaption("second"); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Caption; got != "second" {
		t.Fatalf("caption = %q", got)
	}
}

func TestOutOfOrderInputKeepsState(t *testing.T) {
	t.Parallel()
	s := newTestManager(t).Get(1)
	drive(t, s, PostSingle, []publish.Platform{publish.PlatformVK})

	// Caption before any photo is rejected without moving the machine.
	err := s.SetCaption("too early")
	if !publish.IsKind(err, publish.KindInvalidState) {
		t.Fatalf("want invalid-state, got %v", err)
	}
	if got := s.Step(); got != StepCollectingMedia {
		t.Fatalf("step = %s", got)
	}

	// Confirm without preview is rejected too.
	if _, _, err := s.ConfirmPublish(); !publish.IsKind(err, publish.KindInvalidState) {
		t.Fatalf("want invalid-state, got %v", err)
	}
}

func TestUnconfiguredPlatformNotSelectable(t *testing.T) {
	t.Parallel()
	remove := func(paths ...string) {}
	m := NewManager([]publish.Platform{publish.PlatformTelegram}, remove, logx.Nop())
	s := m.Get(1)
	if err := s.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := s.ChooseKind(PostSingle); err != nil {
		t.Fatal(err)
	}
	err := s.ChoosePlatforms([]publish.Platform{publish.PlatformInstagram})
	if !publish.IsKind(err, publish.KindInvalidState) {
		t.Fatalf("want invalid-state, got %v", err)
	}
}

func TestCancelAbortsFetchAndCleansUp(t *testing.T) {
	t.Parallel()
	s := newTestManager(t).Get(1)
	drive(t, s, PostVideo, []publish.Platform{publish.PlatformTelegram})

	if got := s.Step(); got != StepAwaitingRemoteURL {
		t.Fatalf("video flow step = %s", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.BeginFetch("https://example.com/reel/x", cancel); err != nil {
		t.Fatal(err)
	}

	err := s.Cancel()
	if !publish.IsKind(err, publish.KindCancelled) {
		t.Fatalf("want cancelled, got %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("fetch context not cancelled")
	}
	if got := s.Step(); got != StepIdle {
		t.Fatalf("step after cancel = %s", got)
	}

	// A late fetch callback must not resurrect the flow.
	s.FetchFinished("", context.Canceled)
	if got := s.Step(); got != StepIdle {
		t.Fatalf("step after late callback = %s", got)
	}
}

func TestFetchFailureReturnsToURLInput(t *testing.T) {
	t.Parallel()
	s := newTestManager(t).Get(1)
	drive(t, s, PostVideo, []publish.Platform{publish.PlatformTelegram})

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.BeginFetch("https://example.com/reel/x", cancel); err != nil {
		t.Fatal(err)
	}
	s.FetchFinished("", publish.Errorf(publish.KindDownload, "fetch", "boom"))
	if got := s.Step(); got != StepAwaitingRemoteURL {
		t.Fatalf("step after failed fetch = %s", got)
	}
}

func TestScheduleHandsOverJob(t *testing.T) {
	t.Parallel()
	s := newTestManager(t).Get(1)
	drive(t, s, PostSingle, []publish.Platform{publish.PlatformVK})
	photo := tempPhoto(t, "a.jpg")
	if err := s.AddPhoto(photo); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCaption("later"); err != nil {
		t.Fatal(err)
	}
	if err := s.RequestSchedule(); err != nil {
		t.Fatal(err)
	}

	// A malformed time keeps the machine in Scheduling.
	if _, _, _, err := s.ScheduleAt("whenever", time.Now()); !publish.IsKind(err, publish.KindScheduling) {
		t.Fatalf("want scheduling error, got %v", err)
	}
	if got := s.Step(); got != StepScheduling {
		t.Fatalf("step = %s", got)
	}

	post, platforms, due, err := s.ScheduleAt("+5", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(post.Paths) != 1 || post.Paths[0] != photo {
		t.Fatalf("post: %+v", post)
	}
	if len(platforms) != 1 || !due.After(time.Now()) {
		t.Fatalf("platforms %v due %v", platforms, due)
	}
	if got := s.Step(); got != StepIdle {
		t.Fatalf("step after schedule = %s", got)
	}
	// Handed-over media must survive the reset.
	if _, err := os.Stat(photo); err != nil {
		t.Fatalf("scheduled media removed: %v", err)
	}
}

func TestManagerReusesSessions(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	if m.Get(7) != m.Get(7) {
		t.Fatal("same chat got different sessions")
	}
	if m.Get(7) == m.Get(8) {
		t.Fatal("different chats share a session")
	}
}
