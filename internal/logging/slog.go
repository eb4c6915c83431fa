package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation   = "operation"
	KeyComponent   = "component"
	KeyTool        = "tool"
	KeyDocumentID  = "document_id"
	KeySearchType  = "search_type"
	KeyQuery       = "query"
	KeyUserHash    = "user_hash"
	KeySessionHash = "session_hash"
	KeyDuration    = "duration"
	KeyStatus      = "status"
	KeyError       = "error"
	KeyBody        = "body"
)

// Status values for consistent logging.
// Note: These are intentionally duplicated from instrumentation package
// to avoid circular dependencies (instrumentation imports logging).
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// maxQueryLength bounds how much of a search query ends up in a log line.
const maxQueryLength = 64

// New builds the process logger. Debug enables debug level, format "json"
// switches to the JSON handler. Output always goes to stderr so the stdio
// transport keeps stdout for protocol traffic.
func New(debug bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithTool returns a logger with the tool attribute set.
func WithTool(logger *slog.Logger, tool string) *slog.Logger {
	return logger.With(slog.String(KeyTool, tool))
}

// WithComponent returns a logger with the component attribute set.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String(KeyComponent, component))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Tool returns a slog attribute for the tool name.
func Tool(tool string) slog.Attr {
	return slog.String(KeyTool, tool)
}

// DocumentID returns a slog attribute for an iManage document id.
func DocumentID(id string) slog.Attr {
	return slog.String(KeyDocumentID, id)
}

// SearchType returns a slog attribute for the search strategy family.
func SearchType(searchType string) slog.Attr {
	return slog.String(KeySearchType, searchType)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Query returns a slog attribute for a search query, truncated so free text
// from the agent cannot flood the logs.
func Query(q string) slog.Attr {
	if t := TruncateRunes(q, maxQueryLength); t != q {
		q = t + "..."
	}
	return slog.String(KeyQuery, q)
}

// Body returns a slog attribute with at most n runes of a response body.
func Body(b []byte, n int) slog.Attr {
	return slog.String(KeyBody, TruncateRunes(string(b), n))
}

// TruncateRunes returns the first n runes of s, never splitting a rune.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from output.
// This allows safely passing Err(maybeNilErr) without adding empty attributes.
//
// Usage:
//
//	logger.Info("operation", logging.Err(err))  // Safe even if err is nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeUser returns a hashed representation of a user identifier for
// logging purposes. This allows correlation of log entries without exposing PII.
func AnonymizeUser(userID string) string {
	return hashWithPrefix("user:", userID)
}

// UserHash returns a slog attribute with the anonymized user identifier.
//
// Usage:
//
//	logger.Info("session created", logging.UserHash(session.UserID))
func UserHash(userID string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeUser(userID))
}

// SessionHash returns a slog attribute identifying a session without
// exposing the session id, which is a bearer credential.
func SessionHash(sessionID string) slog.Attr {
	return slog.String(KeySessionHash, hashWithPrefix("session:", sessionID))
}

// SanitizeToken returns a masked version of a token for logging.
// It returns a length indicator without exposing any token content,
// as even partial token prefixes (like JWT headers) can aid attacks.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}

func hashWithPrefix(prefix, value string) string {
	if value == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(value))
	return prefix + hex.EncodeToString(hash[:8])
}
