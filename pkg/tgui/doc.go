// Package tgui holds small helpers for Telegram HTML parse mode.
// Values of type H are already escaped and can be concatenated safely.
package tgui
