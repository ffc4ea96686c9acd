package tgui

import "html"

// H is a fragment that is already safe for ParseMode="HTML". Build it
// through Esc or the tag helpers; never cast operator input directly.
type H string

func (h H) String() string { return string(h) }

// Esc escapes operator-supplied text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

// B renders s bold, escaping it first.
func B(s string) H { return wrap("b", Esc(s)) }

// Code renders s as inline monospace, escaping it first.
func Code(s string) H { return wrap("code", Esc(s)) }
