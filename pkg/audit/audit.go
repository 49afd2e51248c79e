package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/quantrail/identity/pkg/errx"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("AUDIT")

var (
	CodeAppendFailed = ErrRegistry.Register("APPEND_FAILED", errx.TypeDependency, http.StatusServiceUnavailable, "Audit append failed")
	CodeQueryFailed  = ErrRegistry.Register("QUERY_FAILED", errx.TypeDependency, http.StatusServiceUnavailable, "Audit query failed")
	CodeClosed       = ErrRegistry.Register("CLOSED", errx.TypeInternal, http.StatusInternalServerError, "Audit log closed")
)

// ============================================================================
// Domain
// ============================================================================

// Event is one append-only audit record. Events reference users by subject
// string and never couple to the user's lifetime.
type Event struct {
	ID            string         `db:"id" json:"id"`
	Type          string         `db:"event_type" json:"type"`
	Timestamp     time.Time      `db:"ts" json:"timestamp"`
	Subject       string         `db:"subject" json:"subject,omitempty"`
	Actor         string         `db:"actor" json:"actor,omitempty"`
	Resource      string         `db:"resource" json:"resource,omitempty"`
	Payload       map[string]any `db:"-" json:"payload,omitempty"`
	IP            string         `db:"ip" json:"ip,omitempty"`
	UserAgentHash string         `db:"ua_hash" json:"ua_hash,omitempty"`
	RiskScore     int            `db:"risk_score" json:"risk_score"`
}

// Filter narrows queries. Zero fields match everything; From/To bound the
// partitions scanned.
type Filter struct {
	Subject string
	Type    string
	From    time.Time
	To      time.Time
	Limit   int
}

// criticalTypes are appended synchronously on the request path. Everything
// else may ride the buffer.
var criticalTypes = map[string]bool{
	"login.success":          true,
	"login.failed":           true,
	"login.rate_limited":     true,
	"refresh.reuse_detected": true,
	"mfa.failed":             true,
	"mfa.enabled":            true,
	"mfa.disabled":           true,
	"password.changed":       true,
	"user.deactivated":       true,
}

// Critical reports whether the type must hit storage before the request
// returns. Role and credential changes are critical as whole families.
func Critical(eventType string) bool {
	if criticalTypes[eventType] {
		return true
	}
	return strings.HasPrefix(eventType, "role.") ||
		strings.HasPrefix(eventType, "permission.") ||
		strings.HasPrefix(eventType, "trading_account.")
}

// HashUserAgent derives the stored user-agent form. Raw user agents are
// fingerprinting material and never land in the log.
func HashUserAgent(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:12])
}
