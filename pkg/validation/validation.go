package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxSessionIDLength   = 100
	MaxPeerIDLength      = 100
	MaxDisplayNameLength = 64
	MaxChatTextLength    = 2000
)

var (
	// SessionIDRegex validates session token format
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// PeerIDRegex validates peer ID format; relay-assigned ids are UUIDs
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateSessionID validates a session token
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session is required")
	}
	if len(sessionID) > MaxSessionIDLength {
		return fmt.Errorf("session must be at most %d characters", MaxSessionIDLength)
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return fmt.Errorf("invalid session format (only letters, numbers, '.', '_', '-' allowed)")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateDisplayName accepts an empty name; a set name must be printable
// UTF-8 within the length limit.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if strings.ContainsAny(name, "\n\r\t") {
		return fmt.Errorf("display name must be a single line")
	}
	return ValidateStringLength(name, 0, MaxDisplayNameLength, "display name")
}

// ValidateChatText validates a chat message body
func ValidateChatText(text string) error {
	if err := ValidateNonEmptyString(text, "chat text"); err != nil {
		return err
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat text contains invalid characters")
	}
	return ValidateStringLength(text, 1, MaxChatTextLength, "chat text")
}

// ValidateRelayURL validates the WebSocket address of a relay
func ValidateRelayURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
