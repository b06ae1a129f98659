package tgui

import "strings"

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
// This is the length of the full "ns:action:payload" string.
const MaxCallbackDataLen = 64

// Data formats inline callback data as "ns:action:payload".
// Payload is kept as-is (no escaping); keep it short, the full string must
// fit MaxCallbackDataLen.
func Data(ns, action, payload string) string {
	ns = strings.TrimSpace(ns)
	action = strings.TrimSpace(action)
	if payload == "" {
		return ns + ":" + action
	}
	return ns + ":" + action + ":" + payload
}
