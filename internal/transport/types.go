// Package transport defines platform-neutral update and send types so the
// session and publish layers never import a chat SDK directly.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string

	// PhotoFileID is set when the message carries a photo (largest size).
	PhotoFileID string
	// Caption is the media caption, if any.
	Caption string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Adapter is the operator-facing chat transport.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// MediaSender sends local media files to a chat. The group publish adapter
// and the operator preview flow both rely on it.
type MediaSender interface {
	SendPhoto(ctx context.Context, to ChatTarget, path, caption string, opt *SendOptions) (MessageRef, error)
	SendAlbum(ctx context.Context, to ChatTarget, paths []string, caption string, opt *SendOptions) ([]MessageRef, error)
	SendVideo(ctx context.Context, to ChatTarget, path, caption string, opt *SendOptions) (MessageRef, error)
}

// FileDownloader fetches a platform file (e.g. an uploaded photo) to disk.
type FileDownloader interface {
	DownloadFile(ctx context.Context, fileID, destPath string) error
}

// BotCommand is one command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can sync a
// platform-side command menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
