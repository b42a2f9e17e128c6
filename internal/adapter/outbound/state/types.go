// Package state persists the full runtime state as a single JSON document.
//
// state.json holds every table the process owns: API keys, groups, signing
// secrets, IP blocks, the webhook queue, and the server-wide cap counters.
// Writes are atomic (temp file, fsync, rename) behind a cross-process file
// lock. Loading never fails: a corrupted file is set aside and the process
// starts empty.
package state

import (
	"encoding/json"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/ipaccess"
	"github.com/paygate-mcp/paygate/internal/domain/key"
	"github.com/paygate-mcp/paygate/internal/domain/signing"
	"github.com/paygate-mcp/paygate/internal/domain/spendcap"
	"github.com/paygate-mcp/paygate/internal/domain/webhook"
)

// SchemaVersion is the state.json schema this build reads and writes.
const SchemaVersion = "1"

// WebhookState is the persisted slice of the delivery queue. Entries that
// were in flight at snapshot time are exported as pending so interrupted
// deliveries are retried after a restart.
type WebhookState struct {
	Pending []webhook.Entry `json:"pending,omitempty"`
	Dead    []webhook.Entry `json:"dead,omitempty"`
}

// AppState is the top-level structure persisted in state.json. Top-level
// fields this version does not know are carried through Extra, so a
// document written by a newer build survives a round-trip unharmed.
type AppState struct {
	// Version is the schema version, currently "1".
	Version string `json:"version"`

	// Keys are the API key records with their policies and counters.
	Keys []key.Record `json:"keys"`

	// Groups are the policy templates keys may be assigned to.
	Groups []group.Group `json:"groups"`

	// SigningSecrets are the per-key HMAC request-signing secrets.
	SigningSecrets []signing.Secret `json:"signingSecrets,omitempty"`

	// IPBlocks are the manual and automatic IP block entries.
	IPBlocks []ipaccess.Block `json:"ipBlocks,omitempty"`

	// Webhooks is the outbound delivery queue.
	Webhooks WebhookState `json:"webhooks"`

	// ServerCaps are the server-wide day counters and the auto-suspend table.
	ServerCaps spendcap.State `json:"serverCaps"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updatedAt"`

	// Extra holds unknown top-level fields verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// appStateAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type appStateAlias AppState

// knownFields are the top-level keys owned by this schema version.
var knownFields = map[string]struct{}{
	"version":        {},
	"keys":           {},
	"groups":         {},
	"signingSecrets": {},
	"ipBlocks":       {},
	"webhooks":       {},
	"serverCaps":     {},
	"createdAt":      {},
	"updatedAt":      {},
}

// UnmarshalJSON decodes the known fields and stashes everything else in
// Extra.
func (s *AppState) UnmarshalJSON(data []byte) error {
	var a appStateAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := knownFields[k]; known {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*s = AppState(a)
	return nil
}

// MarshalJSON encodes the known fields and merges the preserved unknown
// ones back in. Known fields always win on a name collision.
func (s AppState) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(appStateAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, owned := merged[k]; !owned {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
