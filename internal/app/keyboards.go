package app

import (
	tele "gopkg.in/telebot.v4"

	"postbot/internal/publish"
	"postbot/internal/storage"
	"postbot/pkg/tgui"
)

// Callback data scopes. The composition flow owns "flow", the queue
// list owns "queue".
const (
	cbFlow  = "flow"
	cbQueue = "queue"
)

func kindKeyboard() *tele.ReplyMarkup {
	return tgui.NewInline().
		Row(
			tgui.Btn("📷 Single photo", tgui.Data(cbFlow, "kind", "single")),
			tgui.Btn("🖼 Carousel", tgui.Data(cbFlow, "kind", "carousel")),
		).
		Row(tgui.Btn("🎬 Video", tgui.Data(cbFlow, "kind", "video"))).
		Markup()
}

func platformLabel(p publish.Platform) string {
	switch p {
	case publish.PlatformInstagram:
		return "Instagram"
	case publish.PlatformTelegram:
		return "Telegram group"
	case publish.PlatformVK:
		return "VK"
	default:
		return string(p)
	}
}

func platformKeyboard(allowed []publish.Platform) *tele.ReplyMarkup {
	buttons := make([]tele.Btn, 0, len(allowed)+1)
	for _, p := range allowed {
		buttons = append(buttons, tgui.Btn(platformLabel(p), tgui.Data(cbFlow, "plat", string(p))))
	}
	if len(allowed) > 1 {
		buttons = append(buttons, tgui.Btn("🌐 All platforms", tgui.Data(cbFlow, "plat", "all")))
	}
	return tgui.Grid2(buttons)
}

func articleKeyboard() *tele.ReplyMarkup {
	return tgui.NewInline().
		Row(
			tgui.Btn("🔍 Detect article codes", tgui.Data(cbFlow, "art", "on")),
			tgui.Btn("⏭ Skip detection", tgui.Data(cbFlow, "art", "off")),
		).
		Markup()
}

func previewKeyboard(withAssistant bool) *tele.ReplyMarkup {
	kb := tgui.NewInline().
		Row(tgui.Btn("🚀 Publish now", tgui.Data(cbFlow, "pub", "now"))).
		Row(
			tgui.Btn("🕒 Schedule", tgui.Data(cbFlow, "pub", "later")),
			tgui.Btn("📋 Next free slot", tgui.Data(cbFlow, "pub", "slot")),
		)
	if withAssistant {
		kb.Row(tgui.Btn("✨ Improve caption", tgui.Data(cbFlow, "cap", "improve")))
	}
	return kb.Row(tgui.Btn("❌ Cancel", tgui.Data(cbFlow, "pub", "cancel"))).Markup()
}

func queueKeyboard(items []storage.QueuedPost) *tele.ReplyMarkup {
	kb := tgui.NewInline()
	for _, it := range items {
		data := tgui.Data(cbQueue, "rm", it.ID)
		if len(data) > tgui.MaxCallbackDataLen {
			continue
		}
		kb.Row(tgui.Btn("🗑 "+it.DueAt.Format("02.01 15:04"), data))
	}
	return kb.Markup()
}
