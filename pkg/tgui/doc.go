// Package tgui provides small Telegram UI helpers:
//   - a message builder with safe HTML escaping and sensible defaults
//   - inline keyboard and callback data helpers (ns:action:payload)
//   - pagination labels and rune-safe truncation
//
// Handlers build a Message once and Send/Edit it instead of repeating
// ParseMode and markup plumbing at every call site.
package tgui
