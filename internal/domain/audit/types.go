// Package audit contains the append-only administrative event log: typed
// events with a bounded message, sanitized metadata, and ring-buffer
// retention.
package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Hard limits applied to every recorded event.
const (
	// MaxMessageLen caps the human-readable message.
	MaxMessageLen = 2000
	// MaxMetadataBytes caps the serialized metadata payload.
	MaxMetadataBytes = 10 * 1024
)

// Actor constants identify who performed an action. Key-scoped events use
// the masked key prefix as the actor instead.
const (
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// Event types recorded by the gateway.
const (
	EventKeyCreated       = "key.created"
	EventKeyTopUp         = "key.topup"
	EventKeyRevoked       = "key.revoked"
	EventKeySuspended     = "key.suspended"
	EventKeyResumed       = "key.resumed"
	EventKeyExpirySet     = "key.expiry_set"
	EventKeyRotated       = "key.rotated"
	EventKeyTagged        = "key.tags_set"
	EventKeyPolicyUpdated = "key.policy_updated"
	EventKeyExpiring      = "key.expiring"

	EventGroupCreated  = "group.created"
	EventGroupDeleted  = "group.deleted"
	EventGroupAssigned = "group.assigned"

	EventSigningRegistered = "signing.registered"
	EventSigningRemoved    = "signing.removed"

	EventIPBlocked   = "ip.blocked"
	EventIPUnblocked = "ip.unblocked"

	EventFilterCreated = "webhook.filter_created"
	EventFilterUpdated = "webhook.filter_updated"
	EventFilterDeleted = "webhook.filter_deleted"

	EventConfigReloaded    = "config.reloaded"
	EventMaintenanceOn     = "maintenance.enabled"
	EventMaintenanceOff    = "maintenance.disabled"
	EventCapAutoSuspend    = "caps.auto_suspend"
	EventCapAutoResume     = "caps.auto_resume"
	EventSecurityViolation = "security.violation"
)

// Event is a single audit entry. Metadata is already sanitized: it is
// always valid JSON and never exceeds MaxMetadataBytes.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// SanitizeMetadata serializes arbitrary metadata for storage. Values that
// cannot be serialized (including cycles) are replaced with an error
// marker; oversize payloads are replaced with a truncation marker carrying
// the original size.
func SanitizeMetadata(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"_error":"Metadata not serializable"}`)
	}
	if len(raw) > MaxMetadataBytes {
		return json.RawMessage(fmt.Sprintf(`{"_truncated":true,"_originalSize":%d}`, len(raw)))
	}
	return raw
}

// CapMessage enforces the message length limit, never splitting a rune.
func CapMessage(msg string) string {
	if len(msg) <= MaxMessageLen {
		return msg
	}
	cut := MaxMessageLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// sensitiveKeywords lists substrings that indicate a sensitive metadata
// key. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitive returns a copy of metadata with values under sensitive
// keys masked. A key is sensitive if it contains any of the
// sensitiveKeywords (case-insensitive).
func RedactSensitive(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return metadata
	}
	redacted := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
