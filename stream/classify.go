package stream

import (
	"errors"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Short user-facing descriptions of transport failures.
const (
	MessageTimeout      = "The request timed out. Please try again."
	MessageRateLimited  = "Too many requests. Please wait a moment and try again."
	MessageUnauthorized = "The assistant service rejected the request credentials."
	MessageUnavailable  = "The assistant service is temporarily unavailable. Please try again later."
	MessageNetwork      = "Could not reach the assistant service. Check your connection."
	MessageBadRequest   = "The assistant service could not process this request."
)

const maxRawErrorLength = 100

// words only match as a whole token; phrases match anywhere.
var errorPatterns = []struct {
	words   []string
	phrases []string
	message string
}{
	{[]string{"408", "504"}, []string{"timeout", "timed out", "deadline exceeded"}, MessageTimeout},
	{[]string{"429"}, []string{"rate limit", "too many requests"}, MessageRateLimited},
	{[]string{"401", "403"}, []string{"unauthorized", "forbidden", "invalid api key", "authentication"}, MessageUnauthorized},
	{[]string{"500", "502", "503", "529"}, []string{"service unavailable", "internal server error", "overloaded", "bad gateway"}, MessageUnavailable},
	{[]string{"eof"}, []string{"network", "connection refused", "connection reset", "no such host"}, MessageNetwork},
	{[]string{"400"}, []string{"bad request", "invalid_request"}, MessageBadRequest},
}

// ClassifyMessage maps a raw transport error message to a short
// user-facing string. Unknown messages are returned truncated.
func ClassifyMessage(raw string) string {
	lower := strings.ToLower(raw)
	for _, p := range errorPatterns {
		if slices.ContainsFunc(p.words, func(w string) bool { return containsWord(lower, w) }) ||
			slices.ContainsFunc(p.phrases, func(n string) bool { return strings.Contains(lower, n) }) {
			return p.message
		}
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "An unknown error occurred."
	}
	return truncateRunes(raw, maxRawErrorLength)
}

// ClassifyError is ClassifyMessage for error values. gRPC status codes are
// honored before falling back to message matching.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var grpcErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &grpcErr) {
		switch grpcErr.GRPCStatus().Code() {
		case codes.DeadlineExceeded:
			return MessageTimeout
		case codes.ResourceExhausted:
			return MessageRateLimited
		case codes.Unauthenticated, codes.PermissionDenied:
			return MessageUnauthorized
		case codes.Unavailable, codes.Internal:
			return MessageUnavailable
		case codes.InvalidArgument:
			return MessageBadRequest
		}
	}

	return ClassifyMessage(err.Error())
}

// containsWord reports whether word occurs in s bounded by non-alphanumeric
// runes or the ends of s.
func containsWord(s, word string) bool {
	for offset := 0; ; {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if !isAlnum(before) && !isAlnum(after) {
			return true
		}
		offset = start + 1
	}
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
