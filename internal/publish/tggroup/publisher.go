// Package tggroup publishes posts to the configured Telegram group chat
// through the shared transport adapter.
package tggroup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/publish"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// maxVideoBytes is the Bot API upload ceiling, enforced before the
// file is handed to the transport.
const maxVideoBytes = 50 << 20

type Publisher struct {
	sender transport.MediaSender
	chat   transport.ChatTarget
	log    logx.Logger
}

func New(sender transport.MediaSender, groupChatID int64, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{
		sender: sender,
		chat:   transport.ChatTarget{ChatID: groupChatID},
		log:    log.With(logx.String("comp", "publish.telegram")),
	}
}

func (p *Publisher) Name() publish.Platform { return publish.PlatformTelegram }

func (p *Publisher) Publish(ctx context.Context, post publish.Post) (publish.Result, error) {
	res := publish.Result{Platform: p.Name()}
	if p.chat.ChatID == 0 {
		return res, publish.Errorf(publish.KindPermission, "telegram", "group chat is not configured")
	}
	if len(post.Paths) == 0 {
		return res, publish.Errorf(publish.KindUnsupportedMedia, "telegram", "post has no media")
	}

	var (
		ref transport.MessageRef
		err error
	)
	switch post.Kind {
	case publish.MediaPhoto:
		ref, err = p.sender.SendPhoto(ctx, p.chat, post.Paths[0], post.Caption, nil)
	case publish.MediaAlbum:
		var refs []transport.MessageRef
		refs, err = p.sender.SendAlbum(ctx, p.chat, post.Paths, post.Caption, nil)
		if err == nil && len(refs) > 0 {
			ref = refs[0]
		}
	case publish.MediaVideo:
		if err := publish.CheckVideoSize(post.Paths[0], maxVideoBytes); err != nil {
			return res, err
		}
		ref, err = p.sender.SendVideo(ctx, p.chat, post.Paths[0], post.Caption, nil)
	default:
		return res, publish.Errorf(publish.KindUnsupportedMedia, "telegram", "media kind %q", post.Kind)
	}

	if err != nil {
		return res, classify(err)
	}

	res.OK = true
	res.PostRef = "message " + strconv.Itoa(ref.MessageID)
	return res, nil
}

// classify maps telebot failures onto the shared taxonomy.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return publish.Errorf(publish.KindTransient, "telegram", "flood limited, retry after %ds", flood.RetryAfter)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return publish.E(publish.KindAuth, "telegram", err)
		case http.StatusForbidden:
			return publish.E(publish.KindPermission, "telegram", err)
		case http.StatusRequestEntityTooLarge:
			return publish.E(publish.KindSizeLimit, "telegram", err)
		case http.StatusTooManyRequests:
			return publish.E(publish.KindTransient, "telegram", err)
		}
		if apiErr.Code >= 500 {
			return publish.E(publish.KindTransient, "telegram", err)
		}
		// Remaining 4xx are validation failures (bad chat id, malformed
		// request). Retrying them cannot succeed.
		return publish.E(publish.KindPermission, "telegram", err)
	}

	return publish.E(publish.KindTransient, "telegram", fmt.Errorf("send: %w", err))
}
