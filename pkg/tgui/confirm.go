package tgui

import tele "gopkg.in/telebot.v4"

// ConfirmInline pairs a destructive action with its way out, on one row.
func ConfirmInline(yes, no tele.Btn) *Inline {
	return NewInline().Row(yes, no)
}
