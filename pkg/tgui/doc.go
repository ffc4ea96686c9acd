// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers (scope:action:payload)
//   - Safe text helpers for ParseMode="HTML" (auto escaping)
package tgui
