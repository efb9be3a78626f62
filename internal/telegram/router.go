package telegram

import (
	"errors"
	"strings"

	"labelops/internal/config"
)

var (
	ErrNoClientRoute = errors.New("no client route for message")
	ErrEmptyMessage  = errors.New("message has no shipment content")
)

// Route decides which client a message belongs to. A first non-empty line
// matching the client id pattern selects that client and is stripped from
// the body; otherwise the chat's configured default applies. Clients absent
// from the current config snapshot are never routed to.
func Route(text string, chatDefault string, snap *config.Snapshot) (clientID, body string, err error) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if config.ClientIDPattern.MatchString(strings.ToLower(trimmed)) {
			id := strings.ToLower(trimmed)
			if !snap.HasClient(id) {
				return "", "", ErrNoClientRoute
			}
			body = strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			if body == "" {
				return "", "", ErrEmptyMessage
			}
			return id, body, nil
		}
		break
	}

	if chatDefault == "" || !snap.HasClient(chatDefault) {
		return "", "", ErrNoClientRoute
	}
	body = strings.TrimSpace(text)
	if body == "" {
		return "", "", ErrEmptyMessage
	}
	return chatDefault, body, nil
}
