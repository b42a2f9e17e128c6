// Package signing verifies HMAC request signatures with timestamp tolerance
// and nonce replay defense. Signing is opt-in per key: only keys with a
// registered secret are verified.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Deny reason tokens reported by Verify.
const (
	ReasonInvalid  = "signature_invalid"
	ReasonExpired  = "signature_expired"
	ReasonReplayed = "nonce_replayed"
)

const (
	// secretBytes is the entropy of a generated signing secret.
	secretBytes = 32

	// sigHexLen is the exact length of the hex-encoded HMAC-SHA-256 value.
	sigHexLen = 64

	minNonceLen = 16
	maxNonceLen = 64

	defaultTolerance = 5 * time.Minute
	defaultMaxNonces = 100_000
)

// Secret is one per-key signing secret. The raw value is returned exactly
// once at registration; rotation replaces it irrecoverably.
type Secret struct {
	APIKey    string    `json:"apiKey"`
	Secret    string    `json:"secret"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Persister saves the secret table. Called outside the verifier's lock.
type Persister interface {
	PersistSigningSecrets(secrets []Secret) error
}

// Config carries the verification thresholds. A NonceWindow shorter than
// the tolerance would let evicted nonces be replayed inside the tolerance,
// so it is widened to twice the tolerance when misconfigured.
type Config struct {
	Enabled     bool
	Tolerance   time.Duration
	NonceWindow time.Duration
	MaxNonces   int
}

// Result is the outcome of one signature check.
type Result struct {
	Allowed bool
	Reason  string
}

var allowResult = Result{Allowed: true}

// Verifier holds the per-key secrets and the observed-nonce table.
type Verifier struct {
	mu      sync.Mutex
	cfg     Config
	secrets map[string]Secret
	nonces  map[string]time.Time
	order   []nonceStamp // insertion order, oldest first
	persist Persister
	logger  *slog.Logger
	nowFn   func() time.Time
}

type nonceStamp struct {
	nonce string
	seen  time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPersister wires the snapshot sink called after secret mutations.
func WithPersister(p Persister) Option {
	return func(v *Verifier) { v.persist = p }
}

// NewVerifier creates a verifier with the given thresholds.
func NewVerifier(cfg Config, logger *slog.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	if cfg.NonceWindow < cfg.Tolerance {
		cfg.NonceWindow = 2 * cfg.Tolerance
	}
	if cfg.MaxNonces <= 0 {
		cfg.MaxNonces = defaultMaxNonces
	}
	v := &Verifier{
		cfg:     cfg,
		secrets: make(map[string]Secret),
		nonces:  make(map[string]time.Time),
		logger:  logger,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Load seeds the secret table from persisted entries.
func (v *Verifier) Load(secrets []Secret) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range secrets {
		if s.APIKey == "" || s.Secret == "" {
			v.logger.Warn("skipping signing secret with empty fields")
			continue
		}
		v.secrets[s.APIKey] = s
	}
}

// Reconfigure swaps the verification thresholds for a config reload.
// Registered secrets and the nonce table are kept. Shrinking MaxNonces
// takes effect lazily as new nonces are recorded.
func (v *Verifier) Reconfigure(cfg Config) {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	if cfg.NonceWindow < cfg.Tolerance {
		cfg.NonceWindow = 2 * cfg.Tolerance
	}
	if cfg.MaxNonces <= 0 {
		cfg.MaxNonces = defaultMaxNonces
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg = cfg
}

// Export returns a copy of every secret for snapshotting, sorted by key.
func (v *Verifier) Export() []Secret {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Secret, 0, len(v.secrets))
	for _, s := range v.secrets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIKey < out[j].APIKey })
	return out
}

// Register mints a fresh secret for the key, replacing any previous one.
// The returned Secret carries the only copy of the raw value.
func (v *Verifier) Register(apiKey, label string) (Secret, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return Secret{}, fmt.Errorf("generate signing secret: %w", err)
	}
	s := Secret{
		APIKey:    apiKey,
		Secret:    hex.EncodeToString(buf),
		Label:     label,
		CreatedAt: v.nowFn(),
	}

	v.mu.Lock()
	v.secrets[apiKey] = s
	v.mu.Unlock()

	v.snapshot()
	return s, nil
}

// Remove deletes the key's secret. Subsequent requests from that key pass
// unverified again (signing is opt-in).
func (v *Verifier) Remove(apiKey string) bool {
	v.mu.Lock()
	_, ok := v.secrets[apiKey]
	delete(v.secrets, apiKey)
	v.mu.Unlock()

	if ok {
		v.snapshot()
	}
	return ok
}

// HasSecret reports whether the key has signing enabled.
func (v *Verifier) HasSecret(apiKey string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.secrets[apiKey]
	return ok
}

// Verify checks the signature header for one request. Admits unconditionally
// when signing is globally disabled or the key has no registered secret.
// On acceptance the nonce is recorded so the same header cannot replay.
func (v *Verifier) Verify(apiKey, header, method, path string, body []byte) Result {
	if !v.cfg.Enabled {
		return allowResult
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	sec, ok := v.secrets[apiKey]
	if !ok {
		return allowResult
	}

	ts, nonce, sig, ok := parseHeader(header)
	if !ok {
		return Result{Reason: ReasonInvalid}
	}

	now := v.nowFn()
	drift := now.Sub(time.UnixMilli(ts))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.cfg.Tolerance {
		return Result{Reason: ReasonExpired}
	}

	if _, seen := v.nonces[nonce]; seen {
		return Result{Reason: ReasonReplayed}
	}

	expected := computeSignature(sec.Secret, ts, nonce, method, path, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Result{Reason: ReasonInvalid}
	}

	v.recordNonceLocked(nonce, now)
	return allowResult
}

// recordNonceLocked stores the nonce, pruning aged entries and evicting the
// oldest when the table is full.
func (v *Verifier) recordNonceLocked(nonce string, now time.Time) {
	cutoff := now.Add(-v.cfg.NonceWindow)
	for len(v.order) > 0 && v.order[0].seen.Before(cutoff) {
		delete(v.nonces, v.order[0].nonce)
		v.order = v.order[1:]
	}
	for len(v.nonces) >= v.cfg.MaxNonces && len(v.order) > 0 {
		delete(v.nonces, v.order[0].nonce)
		v.order = v.order[1:]
	}
	v.nonces[nonce] = now
	v.order = append(v.order, nonceStamp{nonce: nonce, seen: now})
}

// NonceCount returns the number of remembered nonces.
func (v *Verifier) NonceCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.nonces)
}

func (v *Verifier) snapshot() {
	if v.persist == nil {
		return
	}
	if err := v.persist.PersistSigningSecrets(v.Export()); err != nil {
		v.logger.Error("signing secret snapshot failed, continuing in memory", "error", err)
	}
}

// parseHeader splits "t=<unix-ms>,n=<nonce>,s=<sig>" and validates each
// field's shape. Field order is fixed.
func parseHeader(header string) (ts int64, nonce, sig string, ok bool) {
	parts := strings.Split(header, ",")
	if len(parts) != 3 {
		return 0, "", "", false
	}
	tRaw, ok1 := strings.CutPrefix(parts[0], "t=")
	nRaw, ok2 := strings.CutPrefix(parts[1], "n=")
	sRaw, ok3 := strings.CutPrefix(parts[2], "s=")
	if !ok1 || !ok2 || !ok3 {
		return 0, "", "", false
	}
	ts, err := strconv.ParseInt(tRaw, 10, 64)
	if err != nil || ts <= 0 {
		return 0, "", "", false
	}
	if len(nRaw) < minNonceLen || len(nRaw) > maxNonceLen || !isHex(nRaw) {
		return 0, "", "", false
	}
	if len(sRaw) != sigHexLen || !isHex(sRaw) {
		return 0, "", "", false
	}
	return ts, nRaw, strings.ToLower(sRaw), true
}

// computeSignature builds the canonical payload and returns the lowercase
// hex HMAC-SHA-256. Payload: "<ts>.<nonce>.<METHOD>.<path>.<sha256(body)>".
func computeSignature(secret string, ts int64, nonce, method, path string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	payload := strconv.FormatInt(ts, 10) + "." + nonce + "." +
		strings.ToUpper(method) + "." + path + "." + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign produces a complete signature header for the given request. Used by
// clients and tests; the server side only verifies.
func Sign(secret string, at time.Time, nonce, method, path string, body []byte) string {
	ts := at.UnixMilli()
	sig := computeSignature(secret, ts, nonce, method, path, body)
	return fmt.Sprintf("t=%d,n=%s,s=%s", ts, nonce, sig)
}

// NewNonce returns a fresh random nonce in the accepted hex range.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
