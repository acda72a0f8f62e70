package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// RequestError is an API-level rejection: the platform answered, but with
// ok=false or a non-2xx status. Transport failures stay plain errors.
type RequestError struct {
	StatusCode  int
	ErrorCode   int
	Description string
	Body        string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	desc := strings.TrimSpace(e.Description)
	if desc != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, desc)
		}
		return "telegram: " + desc
	}
	body := strings.TrimSpace(e.Body)
	if e.StatusCode > 0 {
		if body != "" {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, body)
		}
		return fmt.Sprintf("telegram http %d", e.StatusCode)
	}
	if body != "" {
		return "telegram: " + body
	}
	return "telegram request failed"
}

// IsAPIError reports whether err is an API rejection rather than a
// network-level failure.
func IsAPIError(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr)
}

// IsBlocked matches the rejection Telegram returns when the recipient has
// blocked the bot.
func IsBlocked(err error) bool {
	return apiDescriptionContains(err, "bot was blocked by the user")
}

// IsCannotInitiate matches the rejection returned when the bot tries to
// message a user who never started a conversation with it.
func IsCannotInitiate(err error) bool {
	return apiDescriptionContains(err, "can't initiate conversation")
}

func apiDescriptionContains(err error, needle string) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		if strings.Contains(strings.ToLower(reqErr.Description), needle) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), needle)
}

// IsPollTimeout reports whether a getUpdates error is just the long poll
// window elapsing, which is routine and not worth a warning.
func IsPollTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded")
}
