package app

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/articles"
	"postbot/internal/config"
	"postbot/internal/media"
	"postbot/internal/publish"
	"postbot/internal/services/deferred"
	"postbot/internal/session"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

const chatID = int64(7001)

type fakeTransport struct {
	mu     sync.Mutex
	texts  []string
	photos []string
	albums [][]string
	videos []string
	photo  []byte // payload served by DownloadFile
}

func (f *fakeTransport) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeTransport) Stop(ctx context.Context) error                         { return nil }

func (f *fakeTransport) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeTransport) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeTransport) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeTransport) SendPhoto(ctx context.Context, to kit.ChatTarget, path, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, path)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeTransport) SendAlbum(ctx context.Context, to kit.ChatTarget, paths []string, caption string, opt *kit.SendOptions) ([]kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albums = append(f.albums, append([]string(nil), paths...))
	return []kit.MessageRef{{ChatID: to.ChatID, MessageID: 1}}, nil
}

func (f *fakeTransport) SendVideo(ctx context.Context, to kit.ChatTarget, path, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos = append(f.videos, path)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeTransport) DownloadFile(ctx context.Context, fileID, destPath string) error {
	return os.WriteFile(destPath, f.photo, 0o644)
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeTransport) lastText() string {
	texts := f.sentTexts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type fakePublisher struct {
	name publish.Platform

	mu    sync.Mutex
	posts []publish.Post
}

func (p *fakePublisher) Name() publish.Platform { return p.name }

func (p *fakePublisher) Publish(ctx context.Context, post publish.Post) (publish.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, post)
	return publish.Result{Platform: p.name, OK: true, PostRef: "ref-1"}, nil
}

func (p *fakePublisher) published() []publish.Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publish.Post(nil), p.posts...)
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 60, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type flowFixture struct {
	flow *Flow
	tp   *fakeTransport
	pub  *fakePublisher
	def  *deferred.Service
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()

	files, err := media.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tp := &fakeTransport{photo: jpegBytes(t)}
	pub := &fakePublisher{name: publish.PlatformTelegram}
	pubs := map[publish.Platform]publish.Publisher{publish.PlatformTelegram: pub}

	def := deferred.New(deferred.Config{}, nil,
		func(ctx context.Context, post publish.Post, platforms []publish.Platform) []publish.Result {
			return nil
		}, nil, logx.Nop())

	f := NewFlow(FlowDeps{
		Log:       logx.Nop(),
		Config:    config.NewManager("/nonexistent.yaml"),
		Sessions:  session.NewManager([]publish.Platform{publish.PlatformTelegram}, files.Remove, logx.Nop()),
		Files:     files,
		Fetcher:   media.NewFetcher(files, time.Second, logx.Nop()),
		Norm:      media.NewNormalizer(files, logx.Nop()),
		Coord:     publish.NewCoordinator(logx.Nop()),
		Adapters:  pubs,
		Deferred:  def,
		Detector:  articles.NewDetector(nil, logx.Nop()),
		Transport: tp,
	})
	return &flowFixture{flow: f, tp: tp, pub: pub, def: def}
}

func (fx *flowFixture) request() *router.Request {
	return &router.Request{
		Chat:    kit.ChatTarget{ChatID: chatID},
		FromID:  chatID,
		Adapter: fx.tp,
		Logger:  logx.Nop(),
	}
}

func (fx *flowFixture) photoRequest() *router.Request {
	req := fx.request()
	req.Update = kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chatID, FromID: chatID, PhotoFileID: "file-1",
	}}
	return req
}

func (fx *flowFixture) textRequest(text string) *router.Request {
	req := fx.request()
	req.Text = text
	req.Update = kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chatID, FromID: chatID, Text: text,
	}}
	return req
}

func waitState(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// driveToPreview walks start -> kind -> platform -> article -> photo -> caption.
func driveToPreview(t *testing.T, fx *flowFixture) {
	t.Helper()
	ctx := context.Background()

	if err := fx.flow.cmdStart(ctx, fx.request()); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "kind", "single"); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "plat", "all"); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "art", "off"); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleMessage(ctx, fx.photoRequest()); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleMessage(ctx, fx.textRequest("spring drop")); err != nil {
		t.Fatal(err)
	}
}

func TestSinglePhotoPublishFlow(t *testing.T) {
	t.Parallel()

	fx := newFlowFixture(t)
	ctx := context.Background()
	driveToPreview(t, fx)

	sess := fx.flow.sessions.Get(chatID)
	if got := sess.Step(); got != session.StepPreview {
		t.Fatalf("step after caption = %s", got)
	}
	if len(fx.tp.photos) != 1 {
		t.Fatalf("preview photos sent = %d", len(fx.tp.photos))
	}

	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "pub", "now"); err != nil {
		t.Fatal(err)
	}
	waitState(t, func() bool { return len(fx.pub.published()) == 1 })
	waitState(t, func() bool { return sess.Step() == session.StepIdle })

	post := fx.pub.published()[0]
	if post.Kind != publish.MediaPhoto {
		t.Fatalf("published kind = %s", post.Kind)
	}
	if post.Caption != "spring drop" {
		t.Fatalf("published caption = %q", post.Caption)
	}
	waitState(t, func() bool { return strings.Contains(fx.tp.lastText(), "✅") })
}

func TestUnknownPlatformRejected(t *testing.T) {
	t.Parallel()

	fx := newFlowFixture(t)
	ctx := context.Background()

	if err := fx.flow.cmdStart(ctx, fx.request()); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "kind", "single"); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "plat", "instagram"); err != nil {
		t.Fatal(err)
	}
	if got := fx.tp.lastText(); !strings.Contains(got, "not configured") {
		t.Fatalf("reply = %q", got)
	}
	if got := fx.flow.sessions.Get(chatID).Step(); got != session.StepSelectingPlatforms {
		t.Fatalf("step = %s", got)
	}
}

func TestScheduleFlowQueuesJob(t *testing.T) {
	t.Parallel()

	fx := newFlowFixture(t)
	ctx := context.Background()
	driveToPreview(t, fx)

	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "pub", "later"); err != nil {
		t.Fatal(err)
	}
	if got := fx.flow.sessions.Get(chatID).Step(); got != session.StepScheduling {
		t.Fatalf("step = %s", got)
	}
	if err := fx.flow.handleMessage(ctx, fx.textRequest("+30")); err != nil {
		t.Fatal(err)
	}

	pending, err := fx.def.List(ctx, storage.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending jobs = %d", len(pending))
	}
	if got := fx.flow.sessions.Get(chatID).Step(); got != session.StepIdle {
		t.Fatalf("step after schedule = %s", got)
	}
	// the queued file must survive the session reset
	if _, err := os.Stat(pending[0].Paths[0]); err != nil {
		t.Fatalf("queued media missing: %v", err)
	}
}

func TestBadScheduleTimeKeepsSession(t *testing.T) {
	t.Parallel()

	fx := newFlowFixture(t)
	ctx := context.Background()
	driveToPreview(t, fx)

	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "pub", "later"); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleMessage(ctx, fx.textRequest("soonish")); err != nil {
		t.Fatal(err)
	}
	if got := fx.flow.sessions.Get(chatID).Step(); got != session.StepScheduling {
		t.Fatalf("step after bad time = %s", got)
	}
}

func TestCancelRemovesCollectedFiles(t *testing.T) {
	t.Parallel()

	fx := newFlowFixture(t)
	ctx := context.Background()

	if err := fx.flow.cmdStart(ctx, fx.request()); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "kind", "carousel"); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "plat", "telegram"); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleFlowCallback(ctx, fx.request(), "art", "off"); err != nil {
		t.Fatal(err)
	}
	if err := fx.flow.handleMessage(ctx, fx.photoRequest()); err != nil {
		t.Fatal(err)
	}

	sess := fx.flow.sessions.Get(chatID)
	paths := sess.MediaPaths()
	if len(paths) != 1 {
		t.Fatalf("media = %d", len(paths))
	}
	if err := fx.flow.cmdCancel(ctx, fx.request()); err != nil {
		t.Fatal(err)
	}
	if sess.Step() != session.StepIdle {
		t.Fatalf("step after cancel = %s", sess.Step())
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("collected file not removed: %v", err)
	}
}

type resettablePublisher struct {
	fakePublisher

	mu     sync.Mutex
	resets int
}

func (p *resettablePublisher) ResetSession(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func TestResetSessionRefreshesPlatformLogin(t *testing.T) {
	t.Parallel()
	fx := newFlowFixture(t)
	rp := &resettablePublisher{fakePublisher: fakePublisher{name: publish.PlatformInstagram}}
	fx.flow.pubs[publish.PlatformInstagram] = rp

	if err := fx.flow.cmdResetSession(context.Background(), fx.request()); err != nil {
		t.Fatalf("reset_session: %v", err)
	}

	rp.mu.Lock()
	resets := rp.resets
	rp.mu.Unlock()
	if resets != 1 {
		t.Fatalf("platform resets = %d, want 1", resets)
	}
	if got := fx.tp.lastText(); !strings.Contains(got, "Session reset") {
		t.Fatalf("reply = %q", got)
	}
}

func TestOutOfProtocolTextGetsHint(t *testing.T) {
	t.Parallel()

	fx := newFlowFixture(t)
	ctx := context.Background()

	if err := fx.flow.handleMessage(ctx, fx.textRequest("hello?")); err != nil {
		t.Fatal(err)
	}
	if got := fx.tp.lastText(); !strings.Contains(got, "/start") {
		t.Fatalf("reply = %q", got)
	}
}
