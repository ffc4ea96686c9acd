// Package session holds the per-operator conversation state machine
// that drives post composition: pick a post kind, pick platforms,
// collect media, caption, preview, then publish now or schedule.
package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"postbot/internal/publish"
)

// Step is the current position in the composition flow.
type Step string

const (
	StepIdle                      Step = "idle"
	StepSelectingPostKind         Step = "selecting_post_kind"
	StepSelectingPlatforms        Step = "selecting_platforms"
	StepSelectingArticleDetection Step = "selecting_article_detection"
	StepCollectingMedia           Step = "collecting_media"
	StepAwaitingRemoteURL         Step = "awaiting_remote_url"
	StepFetching                  Step = "fetching"
	StepAwaitingCaption           Step = "awaiting_caption"
	StepPreview                   Step = "preview"
	StepScheduling                Step = "scheduling"
	StepPublishing                Step = "publishing"
)

// PostKind is what the operator is composing.
type PostKind string

const (
	PostSingle   PostKind = "single"
	PostCarousel PostKind = "carousel"
	PostVideo    PostKind = "video"
)

const maxCarouselPhotos = 10

// MediaItem is one collected photo or the fetched video.
type MediaItem struct {
	Path  string
	Bytes int64
}

// Session is the state machine for one operator chat. All transitions
// take the session lock, so concurrent updates for the same chat are
// applied one at a time.
type Session struct {
	mu sync.Mutex

	chatID  int64
	allowed []publish.Platform
	remove  func(paths ...string)

	step          Step
	kind          PostKind
	platforms     []publish.Platform
	articleDetect bool
	media         []MediaItem
	caption       string
	sourceURL     string
	cancelFetch   context.CancelFunc
}

// Snapshot is a read-only copy of the session for status display.
type Snapshot struct {
	Step          Step
	Kind          PostKind
	Platforms     []publish.Platform
	ArticleDetect bool
	MediaCount    int
	Caption       string
	SourceURL     string
}

func (s *Session) invalid(op, hint string) error {
	return publish.Errorf(publish.KindInvalidState, op, "%s (current step: %s)", hint, s.step)
}

// Begin starts a new composition flow.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepIdle {
		return s.invalid("begin", "a post is already in progress, finish it or /cancel first")
	}
	s.step = StepSelectingPostKind
	return nil
}

// ChooseKind records the post kind selected by the operator.
func (s *Session) ChooseKind(kind PostKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepSelectingPostKind {
		return s.invalid("choose_kind", "not selecting a post type right now")
	}
	switch kind {
	case PostSingle, PostCarousel, PostVideo:
	default:
		return publish.Errorf(publish.KindInvalidState, "choose_kind", "unknown post type %q", kind)
	}
	s.kind = kind
	s.step = StepSelectingPlatforms
	return nil
}

// ChoosePlatforms records the target platforms. Only configured
// platforms are selectable and the set must not be empty.
func (s *Session) ChoosePlatforms(platforms []publish.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepSelectingPlatforms {
		return s.invalid("choose_platforms", "not selecting platforms right now")
	}
	if len(platforms) == 0 {
		return publish.Errorf(publish.KindInvalidState, "choose_platforms", "pick at least one platform")
	}
	for _, p := range platforms {
		if !s.platformAllowed(p) {
			return publish.Errorf(publish.KindInvalidState, "choose_platforms", "platform %q is not configured", p)
		}
	}
	s.platforms = append([]publish.Platform(nil), platforms...)
	s.step = StepSelectingArticleDetection
	return nil
}

func (s *Session) platformAllowed(p publish.Platform) bool {
	for _, a := range s.allowed {
		if a == p {
			return true
		}
	}
	return false
}

// SetArticleDetection records the article-code toggle and moves on to
// media collection (or URL input for a video post).
func (s *Session) SetArticleDetection(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepSelectingArticleDetection {
		return s.invalid("article_detection", "not selecting article detection right now")
	}
	s.articleDetect = enabled
	if s.kind == PostVideo {
		s.step = StepAwaitingRemoteURL
	} else {
		s.step = StepCollectingMedia
	}
	return nil
}

// AddPhoto attaches an uploaded photo. A single post keeps exactly one
// photo, replacing (and deleting) the previous one; a carousel appends
// up to ten.
func (s *Session) AddPhoto(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepCollectingMedia {
		return s.invalid("add_photo", "not collecting photos right now")
	}

	item := MediaItem{Path: path}
	if fi, err := os.Stat(path); err == nil {
		item.Bytes = fi.Size()
	}

	if s.kind == PostSingle {
		if len(s.media) > 0 {
			s.removeFiles(s.mediaPaths())
		}
		s.media = []MediaItem{item}
		return nil
	}
	if len(s.media) >= maxCarouselPhotos {
		return publish.Errorf(publish.KindInvalidState, "add_photo",
			"a carousel holds at most %d photos", maxCarouselPhotos)
	}
	s.media = append(s.media, item)
	return nil
}

// RemoveLastPhoto drops the most recently attached photo.
func (s *Session) RemoveLastPhoto() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepCollectingMedia && s.step != StepPreview {
		return s.invalid("remove_photo", "no photos to remove right now")
	}
	if len(s.media) == 0 {
		return publish.Errorf(publish.KindInvalidState, "remove_photo", "no photos attached")
	}
	last := s.media[len(s.media)-1]
	s.media = s.media[:len(s.media)-1]
	s.removeFiles([]string{last.Path})
	if len(s.media) == 0 && s.step == StepPreview {
		s.step = StepCollectingMedia
	}
	return nil
}

// BeginFetch accepts the remote video URL and records the handle that
// aborts the download on cancel.
func (s *Session) BeginFetch(link string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepAwaitingRemoteURL {
		return s.invalid("submit_url", "not expecting a video link right now")
	}
	s.sourceURL = link
	s.cancelFetch = cancel
	s.step = StepFetching
	return nil
}

// FetchFinished is the pipeline callback after the download returns.
// On failure the session goes back to URL input so the operator can
// retry with a different link.
func (s *Session) FetchFinished(path string, fetchErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepFetching {
		// Cancelled mid-flight; the fetcher already removed the file.
		return
	}
	s.cancelFetch = nil
	if fetchErr != nil {
		s.sourceURL = ""
		s.step = StepAwaitingRemoteURL
		return
	}
	item := MediaItem{Path: path}
	if fi, err := os.Stat(path); err == nil {
		item.Bytes = fi.Size()
	}
	s.media = append(s.media, item)
	s.step = StepAwaitingCaption
}

// SetCaption stores the post caption. Re-sending a caption replaces
// the previous one, up to and including the preview step.
func (s *Session) SetCaption(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.step {
	case StepCollectingMedia:
		if len(s.media) == 0 {
			return s.invalid("set_caption", "attach at least one photo first")
		}
	case StepAwaitingCaption, StepPreview:
	default:
		return s.invalid("set_caption", "not expecting a caption right now")
	}
	s.caption = text
	s.step = StepPreview
	return nil
}

// ConfirmPublish finalizes the flow and hands back the publish job.
// The session stays in Publishing until Finish is called.
func (s *Session) ConfirmPublish() (publish.Post, []publish.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepPreview {
		return publish.Post{}, nil, s.invalid("publish", "nothing ready to publish")
	}
	post := s.buildPost()
	s.step = StepPublishing
	return post, append([]publish.Platform(nil), s.platforms...), nil
}

// RequestSchedule switches the preview into schedule-time input.
func (s *Session) RequestSchedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepPreview {
		return s.invalid("schedule", "nothing ready to schedule")
	}
	s.step = StepScheduling
	return nil
}

// ScheduleAt parses the operator's schedule-time input and, on
// success, hands over the job and resets the session. The media files
// now belong to the scheduler. On a parse error the session stays in
// Scheduling so the operator can retry.
func (s *Session) ScheduleAt(raw string, now time.Time) (publish.Post, []publish.Platform, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != StepScheduling {
		return publish.Post{}, nil, time.Time{}, s.invalid("schedule", "not expecting a schedule time right now")
	}
	due, err := ParseScheduleTime(raw, now)
	if err != nil {
		return publish.Post{}, nil, time.Time{}, err
	}
	post := s.buildPost()
	platforms := append([]publish.Platform(nil), s.platforms...)
	s.resetLocked()
	return post, platforms, due, nil
}

// Finish returns the session to idle after a publish attempt. Media
// cleanup is the coordinator's job at this point.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Cancel aborts whatever is in progress: stops an in-flight download,
// deletes collected files and returns the session to idle.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == StepIdle {
		return publish.Errorf(publish.KindInvalidState, "cancel", "nothing to cancel")
	}
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	if len(s.media) > 0 {
		s.removeFiles(s.mediaPaths())
	}
	s.resetLocked()
	return publish.Errorf(publish.KindCancelled, "cancel", "flow cancelled by operator")
}

// Snapshot returns a copy of the current state for status display.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Step:          s.step,
		Kind:          s.kind,
		Platforms:     append([]publish.Platform(nil), s.platforms...),
		ArticleDetect: s.articleDetect,
		MediaCount:    len(s.media),
		Caption:       s.caption,
		SourceURL:     s.sourceURL,
	}
}

// MediaPaths returns a copy of the attached file paths, preview order.
func (s *Session) MediaPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaPaths()
}

// Step reports the current step.
func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

func (s *Session) buildPost() publish.Post {
	return publish.Post{
		ID:        uuid.NewString(),
		Kind:      mediaKind(s.kind, len(s.media)),
		Paths:     s.mediaPaths(),
		Caption:   s.caption,
		SourceURL: s.sourceURL,
	}
}

func (s *Session) mediaPaths() []string {
	paths := make([]string, len(s.media))
	for i, m := range s.media {
		paths[i] = m.Path
	}
	return paths
}

func (s *Session) removeFiles(paths []string) {
	if s.remove != nil {
		s.remove(paths...)
	}
}

func (s *Session) resetLocked() {
	s.step = StepIdle
	s.kind = ""
	s.platforms = nil
	s.articleDetect = false
	s.media = nil
	s.caption = ""
	s.sourceURL = ""
	s.cancelFetch = nil
}

func mediaKind(kind PostKind, count int) publish.MediaKind {
	switch kind {
	case PostVideo:
		return publish.MediaVideo
	case PostCarousel:
		if count > 1 {
			return publish.MediaAlbum
		}
		return publish.MediaPhoto
	default:
		return publish.MediaPhoto
	}
}
