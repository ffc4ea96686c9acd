package publish

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	logx "postbot/pkg/logx"
)

// Coordinator fans one post out to the selected adapters and folds the
// outcomes into exactly one Result per platform. One platform's failure
// never blocks or cancels the others.
type Coordinator struct {
	log logx.Logger

	policy RetryPolicy
	// adapterTimeout bounds one adapter's whole publish (all attempts).
	adapterTimeout time.Duration

	// keepMedia disables post-publish cleanup (used by the deferred queue,
	// which owns its files until the record is final).
	keepMedia bool
}

type CoordinatorOption func(*Coordinator)

func WithRetryPolicy(p RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.policy = p }
}

func WithAdapterTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.adapterTimeout = d
		}
	}
}

func WithKeepMedia(keep bool) CoordinatorOption {
	return func(c *Coordinator) { c.keepMedia = keep }
}

func NewCoordinator(log logx.Logger, opts ...CoordinatorOption) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		log:            log.With(logx.String("comp", "publish.coordinator")),
		policy:         RetryPolicy{},
		adapterTimeout: 5 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Publish delivers post to every adapter concurrently. The returned slice
// has one entry per adapter, in the given order, regardless of outcome.
// Temp media is removed after all adapters have returned (unless keepMedia).
func (c *Coordinator) Publish(ctx context.Context, post Post, adapters []Publisher) []Result {
	results := make([]Result, len(adapters))

	var wg sync.WaitGroup
	for i, pub := range adapters {
		if pub == nil {
			results[i] = Result{OK: false, Err: fmt.Errorf("nil adapter")}
			continue
		}
		wg.Add(1)
		go func(i int, pub Publisher) {
			defer wg.Done()
			results[i] = c.publishOne(ctx, post, pub)
		}(i, pub)
	}
	wg.Wait()

	if !c.keepMedia {
		c.cleanup(post)
	}

	for _, r := range results {
		if r.OK {
			c.log.Info("published",
				logx.String("post", post.ID),
				logx.String("platform", string(r.Platform)),
				logx.Int("attempts", r.Attempts),
				logx.Duration("took", r.Took))
		} else {
			c.log.Warn("publish failed",
				logx.String("post", post.ID),
				logx.String("platform", string(r.Platform)),
				logx.String("kind", string(KindOf(r.Err))),
				logx.Int("attempts", r.Attempts),
				logx.Err(r.Err))
		}
	}
	return results
}

// publishOne runs one adapter with retry, panic isolation and a timeout.
func (c *Coordinator) publishOne(ctx context.Context, post Post, pub Publisher) (res Result) {
	start := time.Now()
	res = Result{Platform: pub.Name()}

	defer func() {
		res.Took = time.Since(start)
		if r := recover(); r != nil {
			c.log.Error("adapter panicked",
				logx.String("platform", string(pub.Name())),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			res.OK = false
			res.Err = Errorf(KindTransient, string(pub.Name()), "adapter panic: %v", r)
		}
	}()

	actx := ctx
	if c.adapterTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.adapterTimeout)
		defer cancel()
	}

	var last Result
	attempts, err := Retry(actx, c.log, string(pub.Name()), c.policy, func(rctx context.Context) error {
		r, err := pub.Publish(rctx, post)
		last = r
		return err
	})

	res.Attempts = attempts
	if err != nil {
		res.OK = false
		res.Err = err
		return res
	}
	res.OK = true
	res.PostRef = last.PostRef
	return res
}

func (c *Coordinator) cleanup(post Post) {
	for _, p := range post.Paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.log.Warn("media cleanup failed", logx.String("path", p), logx.Err(err))
		}
	}
}

// Summary renders a one-line-per-platform report for the operator.
func Summary(results []Result) string {
	var b strings.Builder
	for _, r := range results {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		name := platformLabel(r.Platform)
		if r.OK {
			b.WriteString("✅ ")
			b.WriteString(name)
			if r.PostRef != "" {
				b.WriteString(": ")
				b.WriteString(r.PostRef)
			}
			continue
		}
		b.WriteString("❌ ")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(failureLabel(r.Err))
	}
	return b.String()
}

func platformLabel(p Platform) string {
	switch p {
	case PlatformInstagram:
		return "Instagram"
	case PlatformTelegram:
		return "Telegram"
	case PlatformVK:
		return "VK"
	default:
		return string(p)
	}
}

func failureLabel(err error) string {
	switch KindOf(err) {
	case KindAuth:
		return "authorization failed (re-login needed)"
	case KindPermission:
		return "account lacks permission"
	case KindTransient:
		return "platform temporarily unavailable"
	case KindSizeLimit:
		return "media too large"
	case KindUnsupportedMedia:
		return "unsupported media format"
	case KindCancelled:
		return "cancelled"
	default:
		if err != nil {
			return err.Error()
		}
		return "unknown error"
	}
}
