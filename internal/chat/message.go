package chat

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/petervdpas/peercall/internal/storage"
)

var (
	// ErrNoActiveCall is returned when chat is used outside an active call.
	ErrNoActiveCall = errors.New("chat requires an active call")
	ErrEmpty        = errors.New("message is empty")
	ErrTooLong      = errors.New("message too long")
)

// Message is a chat message of the active conversation.
type Message = storage.Message

// normalize trims content and checks it against maxLen runes.
func normalize(content string, maxLen int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmpty
	}
	if maxLen > 0 && utf8.RuneCountInString(content) > maxLen {
		return "", ErrTooLong
	}
	return content, nil
}

// between reports whether msg was exchanged by a and b.
func between(msg Message, a, b string) bool {
	return (msg.SenderID == a && msg.ReceiverID == b) ||
		(msg.SenderID == b && msg.ReceiverID == a)
}
