package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Classify maps any error onto the closed ErrorKind set.
// Already classified errors pass through unchanged; context, network and
// I/O failures are recognized by type first and by message pattern last.
// Classify never returns nil for a non-nil err and defaults to KindOther.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	// Check for already classified errors first.
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if e := classifyContextError(err); e != nil {
		return e
	}

	if isTimeoutError(err) {
		return Wrap(KindTimeout, "request timed out", err)
	}

	if IsNetworkError(err) {
		return Wrap(KindNetwork, "network error: "+err.Error(), err)
	}

	// Fallback to string pattern matching for untyped errors.
	return classifyStringPattern(err)
}

// FromContext classifies a context error. DeadlineExceeded becomes a Timeout
// and Canceled becomes the cancellation error of kind Other.
func FromContext(err error) *Error {
	if e := classifyContextError(err); e != nil {
		return e
	}
	return Classify(err)
}

func classifyContextError(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(ErrCancelled.Kind, ErrCancelled.Message, err)
	}
	return nil
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsNetworkError checks if an error is a network-related error using type
// assertions before falling back to message patterns.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	// Check specific types first before interfaces to avoid false negatives.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isNetworkErrorByString(urlErr.Err.Error())
	}

	return isNetworkErrorByString(err.Error())
}

// isNetworkErrorByString checks for network errors using string patterns.
func isNetworkErrorByString(errStr string) bool {
	lowered := strings.ToLower(errStr)
	for _, indicator := range networkErrorIndicators() {
		if strings.Contains(lowered, indicator) {
			return true
		}
	}
	return false
}

// networkErrorIndicators returns pre-lowercased network error indicators.
func networkErrorIndicators() []string {
	return []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"use of closed network connection",
		"i/o timeout",
		"eof",
	}
}

// classifyStringPattern handles untyped errors by message content.
func classifyStringPattern(err error) *Error {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"):
		return Wrap(KindRateLimit, "rate limit exceeded", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return Wrap(KindTimeout, "request timed out", err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return Wrap(KindAuthentication, "authentication failed", err)
	default:
		return Wrap(KindOther, err.Error(), err)
	}
}

// ParseRetryAfter converts a Retry-After header value to a duration.
// Both delta-seconds and HTTP-date forms are accepted; past dates and
// unparsable values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	// Try to parse as seconds first.
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	formats := []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			d := t.Sub(now)
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return 0
}
