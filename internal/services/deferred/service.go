// Package deferred runs the publish queue: posts scheduled for an
// explicit time and posts dropped into the fixed publishing slots. A
// periodic sweep fires everything that has come due and hands it to
// the publish coordinator.
package deferred

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"postbot/internal/publish"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	defaultTick = 30 * time.Second

	// pastTolerance lets a job submitted a moment too late still fire
	// on the next tick instead of being rejected.
	pastTolerance = time.Minute
)

// defaultSlotHours are the fixed publishing slots, every two hours
// during the day.
var defaultSlotHours = []int{8, 10, 12, 14, 16, 18, 20, 22}

type Config struct {
	Enabled   bool
	Tick      time.Duration
	Timezone  string // IANA TZ, e.g. "Europe/Moscow"
	SlotHours []int
}

// PublishFunc hands a due job to the coordinator and returns one
// result per requested platform.
type PublishFunc func(ctx context.Context, post publish.Post, platforms []publish.Platform) []publish.Result

// Notifier delivers a status line to the operator chat.
type Notifier func(ctx context.Context, text string)

type Service struct {
	mu sync.Mutex

	cfg Config
	loc *time.Location

	store   storage.Store
	publish PublishFunc
	notify  Notifier
	log     logx.Logger

	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

// New builds the service. store may be nil, in which case the queue is
// held in memory only and does not survive restarts.
func New(cfg Config, store storage.Store, publishFn PublishFunc, notify Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if len(cfg.SlotHours) == 0 {
		cfg.SlotHours = defaultSlotHours
	}
	if store == nil {
		store = newMemStore()
	}
	if notify == nil {
		notify = func(context.Context, string) {}
	}
	return &Service{
		cfg:     cfg,
		loc:     loadLocation(cfg.Timezone),
		store:   store,
		publish: publishFn,
		notify:  notify,
		log:     log.With(logx.String("comp", "deferred")),
	}
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// Start recovers jobs stuck in processing from a previous run and
// begins ticking.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.recoverProcessing(s.runCtx)

	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	spec := fmt.Sprintf("@every %s", s.cfg.Tick)
	if _, err := s.c.AddFunc(spec, s.sweep); err != nil {
		s.log.Error("register sweep failed", logx.Err(err), logx.String("spec", spec))
		s.c = nil
		return
	}
	s.c.Start()
	s.log.Info("deferred queue started",
		logx.Duration("tick", s.cfg.Tick), logx.String("tz", s.loc.String()))
}

// Stop halts the tick loop and waits for an in-flight sweep.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
}

// Apply restarts the tick loop when the tick or timezone changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if len(cfg.SlotHours) == 0 {
		cfg.SlotHours = defaultSlotHours
	}

	s.mu.Lock()
	same := s.cfg.Enabled == cfg.Enabled &&
		s.cfg.Tick == cfg.Tick &&
		s.cfg.Timezone == cfg.Timezone
	s.cfg = cfg
	s.loc = loadLocation(cfg.Timezone)
	running := s.c != nil
	s.mu.Unlock()

	if same {
		return
	}
	if running {
		s.Stop()
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// ScheduleAt queues a job for an explicit due time. A due time
// slightly in the past is accepted and fires on the next tick; beyond
// the tolerance it is rejected.
func (s *Service) ScheduleAt(ctx context.Context, post publish.Post, platforms []publish.Platform, due time.Time) (storage.QueuedPost, error) {
	if len(platforms) == 0 {
		return storage.QueuedPost{}, publish.Errorf(publish.KindScheduling, "schedule", "no target platforms")
	}
	if due.Before(time.Now().Add(-pastTolerance)) {
		return storage.QueuedPost{}, publish.Errorf(publish.KindScheduling, "schedule",
			"due time %s is in the past", due.In(s.location()).Format("02.01.2006 15:04"))
	}
	qp := s.toQueued(post, platforms, due)
	if err := s.store.SaveQueued(ctx, qp); err != nil {
		return storage.QueuedPost{}, publish.E(publish.KindScheduling, "schedule", err)
	}
	s.log.Info("post scheduled", logx.String("id", qp.ID), logx.Time("due", due))
	return qp, nil
}

// EnqueueNextSlot queues a job into the first fixed slot that is in
// the future and not already taken by a pending post.
func (s *Service) EnqueueNextSlot(ctx context.Context, post publish.Post, platforms []publish.Platform) (storage.QueuedPost, error) {
	if len(platforms) == 0 {
		return storage.QueuedPost{}, publish.Errorf(publish.KindScheduling, "enqueue", "no target platforms")
	}
	pending, err := s.store.ListQueued(ctx, storage.StatusPending)
	if err != nil {
		return storage.QueuedPost{}, publish.E(publish.KindScheduling, "enqueue", err)
	}
	taken := make(map[int64]bool, len(pending))
	for _, p := range pending {
		taken[p.DueAt.Unix()] = true
	}

	due := s.nextFreeSlot(time.Now().In(s.location()), taken)
	qp := s.toQueued(post, platforms, due)
	if err := s.store.SaveQueued(ctx, qp); err != nil {
		return storage.QueuedPost{}, publish.E(publish.KindScheduling, "enqueue", err)
	}
	s.log.Info("post queued into slot", logx.String("id", qp.ID), logx.Time("due", due))
	return qp, nil
}

// nextFreeSlot walks the fixed hours day by day until a free future
// slot is found.
func (s *Service) nextFreeSlot(now time.Time, taken map[int64]bool) time.Time {
	s.mu.Lock()
	hours := append([]int(nil), s.cfg.SlotHours...)
	s.mu.Unlock()
	sort.Ints(hours)

	day := now
	for {
		for _, h := range hours {
			slot := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, now.Location())
			if slot.After(now) && !taken[slot.Unix()] {
				return slot
			}
		}
		day = day.AddDate(0, 0, 1)
	}
}

// List returns queue entries, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]storage.QueuedPost, error) {
	return s.store.ListQueued(ctx, status)
}

// Remove drops one entry and releases its media files.
func (s *Service) Remove(ctx context.Context, id string, removeFiles func(paths ...string)) error {
	posts, err := s.store.ListQueued(ctx, "")
	if err != nil {
		return err
	}
	for _, p := range posts {
		if p.ID != id {
			continue
		}
		if err := s.store.DeleteQueued(ctx, id); err != nil {
			return err
		}
		if p.Status == storage.StatusPending && removeFiles != nil {
			removeFiles(p.Paths...)
		}
		return nil
	}
	return storage.ErrNotFound
}

// Clear drops every pending entry and releases their media files.
func (s *Service) Clear(ctx context.Context, removeFiles func(paths ...string)) (int, error) {
	pending, err := s.store.ListQueued(ctx, storage.StatusPending)
	if err != nil {
		return 0, err
	}
	n, err := s.store.ClearQueued(ctx, storage.StatusPending)
	if err != nil {
		return 0, err
	}
	if removeFiles != nil {
		for _, p := range pending {
			removeFiles(p.Paths...)
		}
	}
	return n, nil
}

// sweep fires every job whose due time has elapsed. It runs on the
// cron tick; overlapping runs are skipped by the cron chain.
func (s *Service) sweep() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	pending, err := s.store.ListQueued(ctx, storage.StatusPending)
	if err != nil {
		s.log.Error("list pending failed", logx.Err(err))
		return
	}
	now := time.Now()
	for _, p := range pending {
		if p.DueAt.After(now) {
			break // list is due-ordered
		}
		s.fire(ctx, p)
		if ctx.Err() != nil {
			return
		}
	}
}

// fire publishes one due job. The job leaves the pending set no matter
// how the publish goes; partial platform failures are recorded, not
// retried on later ticks.
func (s *Service) fire(ctx context.Context, p storage.QueuedPost) {
	if err := s.store.UpdateQueuedStatus(ctx, p.ID, storage.StatusProcessing, ""); err != nil {
		s.log.Error("mark processing failed", logx.Err(err), logx.String("id", p.ID))
		return
	}
	s.log.Info("firing queued post", logx.String("id", p.ID), logx.Time("due", p.DueAt))

	post, platforms := s.fromQueued(p)
	results := s.publish(ctx, post, platforms)

	failed := 0
	var reasons []string
	for _, r := range results {
		if !r.OK {
			failed++
			if r.Err != nil {
				reasons = append(reasons, fmt.Sprintf("%s: %v", r.Platform, r.Err))
			}
		}
	}

	status := storage.StatusPublished
	if failed == len(results) {
		status = storage.StatusFailed
	}
	if err := s.store.UpdateQueuedStatus(ctx, p.ID, status, strings.Join(reasons, "; ")); err != nil {
		s.log.Error("mark done failed", logx.Err(err), logx.String("id", p.ID))
	}

	s.notify(ctx, fmt.Sprintf("Queued post %s (due %s):\n%s",
		p.ID, p.DueAt.In(s.location()).Format("02.01 15:04"), publish.Summary(results)))
}

// recoverProcessing returns jobs interrupted mid-publish to pending so
// they fire again on the first tick.
func (s *Service) recoverProcessing(ctx context.Context) {
	stuck, err := s.store.ListQueued(ctx, storage.StatusProcessing)
	if err != nil {
		s.log.Error("recover queue failed", logx.Err(err))
		return
	}
	for _, p := range stuck {
		if err := s.store.UpdateQueuedStatus(ctx, p.ID, storage.StatusPending, "interrupted by restart"); err != nil {
			s.log.Error("recover post failed", logx.Err(err), logx.String("id", p.ID))
		}
	}
	if len(stuck) > 0 {
		s.log.Warn("recovered interrupted posts", logx.Int("count", len(stuck)))
	}
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) toQueued(post publish.Post, platforms []publish.Platform, due time.Time) storage.QueuedPost {
	id := post.ID
	if id == "" {
		id = uuid.NewString()
	}
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	return storage.QueuedPost{
		ID:        id,
		Kind:      string(post.Kind),
		Paths:     append([]string(nil), post.Paths...),
		Caption:   post.Caption,
		SourceURL: post.SourceURL,
		Platforms: names,
		Status:    storage.StatusPending,
		DueAt:     due,
	}
}

func (s *Service) fromQueued(p storage.QueuedPost) (publish.Post, []publish.Platform) {
	platforms := make([]publish.Platform, len(p.Platforms))
	for i, name := range p.Platforms {
		platforms[i] = publish.Platform(name)
	}
	return publish.Post{
		ID:        p.ID,
		Kind:      publish.MediaKind(p.Kind),
		Paths:     append([]string(nil), p.Paths...),
		Caption:   p.Caption,
		SourceURL: p.SourceURL,
	}, platforms
}
