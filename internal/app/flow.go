package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/articles"
	"postbot/internal/config"
	"postbot/internal/media"
	"postbot/internal/publish"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/services/deferred"
	"postbot/internal/session"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

// CaptionAssistant rewrites a draft caption. Optional: without one the
// preview simply has no improve button.
type CaptionAssistant interface {
	Suggest(ctx context.Context, prompt string) (string, error)
}

type FlowDeps struct {
	Log       logx.Logger
	Config    *config.Manager
	Sessions  *session.Manager
	Files     *media.Store
	Fetcher   *media.Fetcher
	Norm      *media.Normalizer
	Coord     *publish.Coordinator
	Adapters  map[publish.Platform]publish.Publisher
	Deferred  *deferred.Service
	Store     storage.Store // nil disables the audit trail
	Detector  *articles.Detector
	Assistant CaptionAssistant
	Transport kit.Adapter
}

// Flow is the operator conversation: it turns messages and button
// presses into session transitions and runs the publish pipeline.
type Flow struct {
	log      logx.Logger
	cfgm     *config.Manager
	sessions *session.Manager
	files    *media.Store
	fetcher  *media.Fetcher
	norm     *media.Normalizer
	coord    *publish.Coordinator
	pubs     map[publish.Platform]publish.Publisher
	deferred *deferred.Service
	db       storage.Store
	detector *articles.Detector
	helper   CaptionAssistant
	tp       kit.Adapter
	sender   kit.MediaSender

	// sup runs downloads and publishes that outlive one update.
	sup *rtsup.Supervisor
	now func() time.Time
}

func NewFlow(d FlowDeps) *Flow {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Flow{
		log:      log,
		cfgm:     d.Config,
		sessions: d.Sessions,
		files:    d.Files,
		fetcher:  d.Fetcher,
		norm:     d.Norm,
		coord:    d.Coord,
		pubs:     d.Adapters,
		deferred: d.Deferred,
		db:       d.Store,
		detector: d.Detector,
		helper:   d.Assistant,
		tp:       d.Transport,
		now:      time.Now,
	}
	if ms, ok := d.Transport.(kit.MediaSender); ok {
		f.sender = ms
	}
	return f
}

// Register installs the commands, the conversation fallback and the
// callback scopes on the router.
func (f *Flow) Register(r *router.Router) {
	r.SetCommands([]router.Command{
		{Name: "start", Description: "compose a new post", Handle: f.cmdStart},
		{Name: "status", Description: "current session and queue state", Handle: f.cmdStatus},
		{Name: "cancel", Description: "abort the current post", Handle: f.cmdCancel},
		{Name: "skip", Description: "continue without a caption", Handle: f.cmdSkip},
		{Name: "remove_photo", Description: "drop the last attached photo", Handle: f.cmdRemovePhoto},
		{Name: "reset_session", Description: "force-reset the session", Handle: f.cmdResetSession},
		{Name: "queue", Description: "list scheduled posts", Handle: f.cmdQueue},
		{Name: "clear_queue", Description: "drop all pending scheduled posts", Handle: f.cmdClearQueue},
	})
	r.SetFallback(f.handleMessage)
	r.SetCallbackHandler(cbFlow, f.handleFlowCallback)
	r.SetCallbackHandler(cbQueue, f.handleQueueCallback)
}

func (f *Flow) session(req *router.Request) *session.Session {
	return f.sessions.Get(req.Chat.ChatID)
}

func (f *Flow) say(ctx context.Context, req *router.Request, text string, markup any) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: markup})
	return err
}

// userText strips the taxonomy wrapping for operator-facing replies.
func userText(err error) string {
	var pe *publish.Error
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return err.Error()
}

// goAsync runs fn off the worker pool so a long download or publish
// does not block the next button press.
func (f *Flow) goAsync(name string, fn func(ctx context.Context)) {
	if f.sup != nil {
		f.sup.Go0(name, fn)
		return
	}
	go fn(context.Background())
}

// --- commands ---

func (f *Flow) cmdStart(ctx context.Context, req *router.Request) error {
	if err := f.session(req).Begin(); err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	return f.say(ctx, req, "What are we posting?", kindKeyboard())
}

func (f *Flow) cmdStatus(ctx context.Context, req *router.Request) error {
	snap := f.session(req).Snapshot()

	var b strings.Builder
	b.WriteString(tgui.B("Session").String() + "\n")
	b.WriteString("step: " + tgui.Code(string(snap.Step)).String() + "\n")
	if snap.Kind != "" {
		b.WriteString("kind: " + tgui.Esc(string(snap.Kind)).String() + "\n")
	}
	if len(snap.Platforms) > 0 {
		names := make([]string, len(snap.Platforms))
		for i, p := range snap.Platforms {
			names[i] = platformLabel(p)
		}
		b.WriteString("platforms: " + tgui.Esc(strings.Join(names, ", ")).String() + "\n")
	}
	if snap.MediaCount > 0 {
		b.WriteString(fmt.Sprintf("media: %d file(s)\n", snap.MediaCount))
	}

	var configured []string
	for _, p := range f.sessions.Platforms() {
		configured = append(configured, platformLabel(p))
	}
	b.WriteString("\n" + tgui.B("Platforms").String() + "\n")
	if len(configured) == 0 {
		b.WriteString("none configured\n")
	} else {
		b.WriteString(tgui.Esc(strings.Join(configured, ", ")).String() + "\n")
	}

	pending, err := f.deferred.List(ctx, storage.StatusPending)
	if err == nil {
		b.WriteString("\n" + tgui.B("Queue").String() + "\n")
		b.WriteString(fmt.Sprintf("%d pending post(s)\n", len(pending)))
	}
	return f.say(ctx, req, strings.TrimRight(b.String(), "\n"), nil)
}

func (f *Flow) cmdCancel(ctx context.Context, req *router.Request) error {
	err := f.session(req).Cancel()
	if publish.IsKind(err, publish.KindCancelled) {
		return f.say(ctx, req, "🛑 Cancelled. Collected files removed.", nil)
	}
	return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
}

func (f *Flow) cmdSkip(ctx context.Context, req *router.Request) error {
	sess := f.session(req)
	if err := sess.SetCaption(""); err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	return f.showPreview(ctx, req, sess)
}

func (f *Flow) cmdRemovePhoto(ctx context.Context, req *router.Request) error {
	sess := f.session(req)
	if err := sess.RemoveLastPhoto(); err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	snap := sess.Snapshot()
	return f.say(ctx, req, fmt.Sprintf("🗑 Photo removed, %d left.", snap.MediaCount), nil)
}

func (f *Flow) cmdResetSession(ctx context.Context, req *router.Request) error {
	f.sessions.Reset(req.Chat.ChatID)

	// Also refresh any persisted platform login (the Instagram session
	// file), so a soured session can be recovered from chat.
	for _, pub := range f.pubs {
		rs, ok := pub.(publish.SessionResetter)
		if !ok {
			continue
		}
		if err := rs.ResetSession(ctx); err != nil {
			return f.say(ctx, req, "Session reset, but re-login failed: "+tgui.Esc(userText(err)).String(), nil)
		}
	}
	return f.say(ctx, req, "🔄 Session reset. /start begins a new post.", nil)
}

func (f *Flow) cmdQueue(ctx context.Context, req *router.Request) error {
	items, err := f.deferred.List(ctx, storage.StatusPending)
	if err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	if len(items) == 0 {
		return f.say(ctx, req, "The queue is empty.", nil)
	}

	var b strings.Builder
	b.WriteString(tgui.B("Scheduled posts").String() + "\n")
	for i, it := range items {
		caption := tgui.TruncRunes(strings.ReplaceAll(it.Caption, "\n", " "), 40)
		if caption == "" {
			caption = "(no caption)"
		}
		b.WriteString(fmt.Sprintf("%d. %s · %s · %s\n",
			i+1, it.DueAt.Format("02.01 15:04"), tgui.Esc(it.Kind).String(), tgui.Esc(caption).String()))
	}
	b.WriteString("\nTap a slot to remove it.")
	return f.say(ctx, req, b.String(), queueKeyboard(items))
}

func (f *Flow) cmdClearQueue(ctx context.Context, req *router.Request) error {
	items, err := f.deferred.List(ctx, storage.StatusPending)
	if err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	if len(items) == 0 {
		return f.say(ctx, req, "The queue is already empty.", nil)
	}
	kb := tgui.ConfirmInline(
		tgui.Btn("🗑 Yes, clear", tgui.Data(cbQueue, "clear", "yes")),
		tgui.Btn("↩️ Keep", tgui.Data(cbQueue, "clear", "no")),
	).Markup()
	return f.say(ctx, req, fmt.Sprintf("Remove all %d pending post(s)?", len(items)), kb)
}

// --- callbacks ---

func (f *Flow) handleFlowCallback(ctx context.Context, req *router.Request, action, payload string) error {
	sess := f.session(req)
	switch action {
	case "kind":
		if err := sess.ChooseKind(session.PostKind(payload)); err != nil {
			return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
		}
		return f.say(ctx, req, "Where do we publish?", platformKeyboard(f.sessions.Platforms()))

	case "plat":
		var targets []publish.Platform
		if payload == "all" {
			targets = f.sessions.Platforms()
		} else {
			targets = []publish.Platform{publish.Platform(payload)}
		}
		if err := sess.ChoosePlatforms(targets); err != nil {
			return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
		}
		return f.say(ctx, req, "Look for article codes on the photos?", articleKeyboard())

	case "art":
		if err := sess.SetArticleDetection(payload == "on"); err != nil {
			return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
		}
		if sess.Step() == session.StepAwaitingRemoteURL {
			return f.say(ctx, req, "Send the post or reel link to fetch the video from.", nil)
		}
		return f.say(ctx, req, "Send the photos (a carousel takes up to 10), then the caption.", nil)

	case "pub":
		switch payload {
		case "now":
			return f.publishNow(ctx, req, sess)
		case "later":
			if err := sess.RequestSchedule(); err != nil {
				return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
			}
			return f.say(ctx, req, "When? Send <code>HH:MM</code>, <code>DD.MM HH:MM</code> or <code>+N</code> minutes.", nil)
		case "slot":
			return f.enqueueNextSlot(ctx, req, sess)
		case "cancel":
			return f.cmdCancel(ctx, req)
		}

	case "cap":
		return f.improveCaption(ctx, req, sess)
	}
	return nil
}

func (f *Flow) handleQueueCallback(ctx context.Context, req *router.Request, action, payload string) error {
	switch action {
	case "rm":
		if payload == "" {
			return nil
		}
		if err := f.deferred.Remove(ctx, payload, f.files.Remove); err != nil {
			return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
		}
		return f.say(ctx, req, "🗑 Scheduled post removed.", nil)

	case "clear":
		if payload != "yes" {
			return f.say(ctx, req, "Kept the queue as is.", nil)
		}
		n, err := f.deferred.Clear(ctx, f.files.Remove)
		if err != nil {
			return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
		}
		return f.say(ctx, req, fmt.Sprintf("🗑 Removed %d pending post(s).", n), nil)
	}
	return nil
}

// --- conversation fallback ---

func (f *Flow) handleMessage(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	sess := f.session(req)

	if msg.PhotoFileID != "" {
		return f.handlePhoto(ctx, req, sess, msg)
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil
	}
	switch sess.Step() {
	case session.StepAwaitingRemoteURL:
		return f.startFetch(ctx, req, sess, text)
	case session.StepScheduling:
		return f.scheduleAt(ctx, req, sess, text)
	case session.StepCollectingMedia, session.StepAwaitingCaption, session.StepPreview:
		if err := sess.SetCaption(text); err != nil {
			return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
		}
		return f.showPreview(ctx, req, sess)
	default:
		return f.say(ctx, req, "I wasn't expecting that. /start begins a new post, /help lists commands.", nil)
	}
}

func (f *Flow) handlePhoto(ctx context.Context, req *router.Request, sess *session.Session, msg *kit.Message) error {
	if sess.Step() != session.StepCollectingMedia {
		return f.say(ctx, req, "I wasn't expecting a photo right now.", nil)
	}
	dl, ok := f.tp.(kit.FileDownloader)
	if !ok {
		return f.say(ctx, req, "⚠️ This transport cannot download photos.", nil)
	}

	dest := f.files.NewFile(".jpg")
	if err := dl.DownloadFile(ctx, msg.PhotoFileID, dest); err != nil {
		f.log.Warn("photo download failed", logx.Err(err))
		return f.say(ctx, req, "⚠️ Could not download that photo, try again.", nil)
	}
	if err := sess.AddPhoto(dest); err != nil {
		f.files.Remove(dest)
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}

	if msg.Caption != "" {
		if err := sess.SetCaption(msg.Caption); err == nil {
			return f.showPreview(ctx, req, sess)
		}
	}

	snap := sess.Snapshot()
	if snap.Kind == session.PostSingle {
		return f.say(ctx, req, "📷 Photo saved. Now send the caption (or /skip).", nil)
	}
	return f.say(ctx, req, fmt.Sprintf("📸 Photo %d saved. Send more or the caption (or /skip).", snap.MediaCount), nil)
}

// startFetch kicks off the remote video download. The fetch context
// hangs off the app supervisor so it survives this update, and the
// session keeps the cancel handle for /cancel.
func (f *Flow) startFetch(ctx context.Context, req *router.Request, sess *session.Session, link string) error {
	parent := context.Background()
	if f.sup != nil {
		parent = f.sup.Context()
	}
	fetchCtx, cancel := context.WithCancel(parent)

	if err := sess.BeginFetch(link, cancel); err != nil {
		cancel()
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}

	ref, err := req.Adapter.SendText(ctx, req.Chat, "⬇️ Downloading video…", nil)
	if err != nil {
		ref = kit.MessageRef{}
	}
	progress := func(written, total int64) {
		if ref.MessageID == 0 {
			return
		}
		text := fmt.Sprintf("⬇️ Downloading video… %d MB", written>>20)
		if total > 0 {
			text = fmt.Sprintf("⬇️ Downloading video… %d%%", written*100/total)
		}
		_ = req.Adapter.EditText(fetchCtx, ref, text, nil)
	}

	f.goAsync("media.fetch", func(c context.Context) {
		defer cancel()
		path, ferr := f.fetcher.FetchVideo(fetchCtx, link, progress)
		sess.FetchFinished(path, ferr)

		switch {
		case ferr == nil:
			_ = f.say(c, req, "🎬 Video downloaded. Now send the caption (or /skip).", nil)
		case publish.IsKind(ferr, publish.KindCancelled):
			_ = f.say(c, req, "🛑 Download cancelled.", nil)
		default:
			f.log.Warn("video fetch failed", logx.Err(ferr))
			_ = f.say(c, req, "⚠️ Download failed: "+tgui.Esc(userText(ferr)).String()+"\nSend another link.", nil)
		}
	})
	return nil
}

// --- preview and publish ---

func (f *Flow) showPreview(ctx context.Context, req *router.Request, sess *session.Session) error {
	snap := sess.Snapshot()
	paths := sess.MediaPaths()

	caption := snap.Caption
	if caption == "" {
		caption = "(no caption)"
	}

	if f.sender != nil && len(paths) > 0 {
		var err error
		switch {
		case snap.Kind == session.PostVideo:
			_, err = f.sender.SendVideo(ctx, req.Chat, paths[0], snap.Caption, nil)
		case len(paths) > 1:
			_, err = f.sender.SendAlbum(ctx, req.Chat, paths, snap.Caption, nil)
		default:
			_, err = f.sender.SendPhoto(ctx, req.Chat, paths[0], snap.Caption, nil)
		}
		if err != nil {
			f.log.Warn("preview send failed", logx.Err(err))
		}
	}

	names := make([]string, len(snap.Platforms))
	for i, p := range snap.Platforms {
		names[i] = platformLabel(p)
	}
	text := tgui.B("Preview").String() + "\n" +
		"to: " + tgui.Esc(strings.Join(names, ", ")).String() + "\n" +
		"caption: " + tgui.Esc(tgui.TruncRunes(caption, 200)).String()
	return f.say(ctx, req, text, previewKeyboard(f.helper != nil))
}

func (f *Flow) improveCaption(ctx context.Context, req *router.Request, sess *session.Session) error {
	if f.helper == nil {
		return f.say(ctx, req, "No caption assistant is configured.", nil)
	}
	snap := sess.Snapshot()
	better, err := f.helper.Suggest(ctx, snap.Caption)
	if err != nil {
		f.log.Warn("caption assistant failed", logx.Err(err))
		return f.say(ctx, req, "⚠️ The caption assistant is unavailable right now.", nil)
	}
	if err := sess.SetCaption(better); err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	return f.showPreview(ctx, req, sess)
}

func (f *Flow) adaptersFor(platforms []publish.Platform) []publish.Publisher {
	out := make([]publish.Publisher, 0, len(platforms))
	for _, p := range platforms {
		if pub, ok := f.pubs[p]; ok {
			out = append(out, pub)
		}
	}
	return out
}

// preparePost runs article detection, appends the signature and
// normalizes photos. The returned post references the final files;
// replaced originals are deleted.
func (f *Flow) preparePost(ctx context.Context, post publish.Post, articleDetect bool) (publish.Post, error) {
	if articleDetect && post.Kind != publish.MediaVideo && f.detector.Enabled() {
		if codes := f.detector.FromImages(ctx, post.Paths); len(codes) > 0 {
			post.Caption = joinBlocks(post.Caption, articles.FormatForCaption(codes))
		}
	}
	if cfg := f.cfgm.Get(); cfg != nil && strings.TrimSpace(cfg.Publish.Signature) != "" {
		post.Caption = joinBlocks(post.Caption, cfg.Publish.Signature)
	}

	if post.Kind == publish.MediaVideo {
		return post, nil
	}
	album := post.Kind == publish.MediaAlbum
	for i, p := range post.Paths {
		np, err := f.norm.NormalizeFile(p, album)
		if err != nil {
			return post, err
		}
		if np != p {
			f.files.Remove(p)
			post.Paths[i] = np
		}
	}
	return post, nil
}

func joinBlocks(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

func (f *Flow) publishNow(ctx context.Context, req *router.Request, sess *session.Session) error {
	snap := sess.Snapshot()
	post, platforms, err := sess.ConfirmPublish()
	if err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	if err := f.say(ctx, req, "🚀 Publishing…", nil); err != nil {
		f.log.Warn("publish ack failed", logx.Err(err))
	}

	f.goAsync("publish.run", func(c context.Context) {
		start := f.now()
		prepared, err := f.preparePost(c, post, snap.ArticleDetect)
		if err != nil {
			f.files.Remove(prepared.Paths...)
			sess.Finish()
			_ = f.say(c, req, "⚠️ Media processing failed: "+tgui.Esc(userText(err)).String(), nil)
			return
		}
		results := f.coord.Publish(c, prepared, f.adaptersFor(platforms))
		sess.Finish()
		f.audit(c, req, "publish", platforms, results, f.now().Sub(start))
		_ = f.say(c, req, publish.Summary(results), nil)
	})
	return nil
}

func (f *Flow) scheduleAt(ctx context.Context, req *router.Request, sess *session.Session, text string) error {
	snap := sess.Snapshot()
	post, platforms, due, err := sess.ScheduleAt(text, f.now())
	if err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}

	prepared, err := f.preparePost(ctx, post, snap.ArticleDetect)
	if err != nil {
		f.files.Remove(prepared.Paths...)
		return f.say(ctx, req, "⚠️ Media processing failed: "+tgui.Esc(userText(err)).String(), nil)
	}
	qp, err := f.deferred.ScheduleAt(ctx, prepared, platforms, due)
	if err != nil {
		f.files.Remove(prepared.Paths...)
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	f.auditOne(ctx, req, "schedule", qp.ID, nil)
	return f.say(ctx, req, "🗓 Scheduled for "+qp.DueAt.Format("02.01 15:04")+".", nil)
}

func (f *Flow) enqueueNextSlot(ctx context.Context, req *router.Request, sess *session.Session) error {
	snap := sess.Snapshot()
	post, platforms, err := sess.ConfirmPublish()
	if err != nil {
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}

	prepared, perr := f.preparePost(ctx, post, snap.ArticleDetect)
	if perr != nil {
		f.files.Remove(prepared.Paths...)
		sess.Finish()
		return f.say(ctx, req, "⚠️ Media processing failed: "+tgui.Esc(userText(perr)).String(), nil)
	}
	qp, err := f.deferred.EnqueueNextSlot(ctx, prepared, platforms)
	sess.Finish()
	if err != nil {
		f.files.Remove(prepared.Paths...)
		return f.say(ctx, req, "⚠️ "+tgui.Esc(userText(err)).String(), nil)
	}
	f.auditOne(ctx, req, "enqueue_slot", qp.ID, nil)
	return f.say(ctx, req, "📋 Queued for "+qp.DueAt.Format("02.01 15:04")+".", nil)
}

// --- audit ---

func (f *Flow) audit(ctx context.Context, req *router.Request, action string, platforms []publish.Platform, results []publish.Result, took time.Duration) {
	if f.db == nil {
		return
	}
	okCount, failCount := 0, 0
	var fails []string
	for _, r := range results {
		if r.OK {
			okCount++
			continue
		}
		failCount++
		if r.Err != nil {
			fails = append(fails, string(r.Platform)+": "+r.Err.Error())
		}
	}
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	e := storage.AuditEntry{
		At:      f.now(),
		ActorID: req.FromID,
		ChatID:  req.Chat.ChatID,
		Action:  action,
		Target:  strings.Join(names, ","),
		OK:      okCount,
		Fail:    failCount,
		Error:   strings.Join(fails, "; "),
		TookMS:  took.Milliseconds(),
	}
	if err := f.db.AppendAudit(ctx, e); err != nil {
		f.log.Warn("audit write failed", logx.Err(err))
	}
}

func (f *Flow) auditOne(ctx context.Context, req *router.Request, action, target string, actErr error) {
	if f.db == nil {
		return
	}
	e := storage.AuditEntry{
		At:      f.now(),
		ActorID: req.FromID,
		ChatID:  req.Chat.ChatID,
		Action:  action,
		Target:  target,
		OK:      1,
	}
	if actErr != nil {
		e.OK, e.Fail = 0, 1
		e.Error = actErr.Error()
	}
	if err := f.db.AppendAudit(ctx, e); err != nil {
		f.log.Warn("audit write failed", logx.Err(err))
	}
}
