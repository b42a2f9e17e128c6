package admin

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"

	"github.com/paygate-mcp/paygate/internal/ctxkey"
	"github.com/paygate-mcp/paygate/internal/domain/audit"
)

// HeaderAdminKey carries the operator credential on every admin request.
const HeaderAdminKey = "X-Admin-Key"

// argon2idPrefix marks a stored credential in PHC format.
const argon2idPrefix = "$argon2id$"

// adminKeyParams are the hashing parameters for admin credentials at rest
// (OWASP minimum: 46 MiB memory, one pass).
var adminKeyParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashAdminKey returns the argon2id PHC hash of a raw admin key, the form
// the adminKeyHash config field expects.
func HashAdminKey(raw string) (string, error) {
	return argon2id.CreateHash(raw, adminKeyParams)
}

// Guard verifies the credential presented on each admin request against the
// configured one. A PHC-format value is verified as an argon2id hash;
// anything else is compared in constant time as a plaintext dev key. An
// empty configured credential fails closed: every request is refused.
type Guard struct {
	stored string
}

// NewGuard wraps the configured admin credential (hash or plaintext).
func NewGuard(stored string) Guard {
	return Guard{stored: strings.TrimSpace(stored)}
}

// Enabled reports whether a credential is configured at all.
func (g Guard) Enabled() bool { return g.stored != "" }

// Verify reports whether candidate matches the configured credential.
func (g Guard) Verify(candidate string) bool {
	if g.stored == "" || candidate == "" {
		return false
	}
	if strings.HasPrefix(g.stored, argon2idPrefix) {
		match, err := compareArgon2id(candidate, g.stored)
		return err == nil && match
	}
	return subtle.ConstantTimeCompare([]byte(g.stored), []byte(candidate)) == 1
}

// compareArgon2id wraps the library comparison with panic recovery: the
// underlying argon2 code panics on malformed hash parameters (zero rounds,
// zero parallelism) instead of returning an error.
func compareArgon2id(candidate, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(candidate, storedHash)
}

// authMiddleware refuses any request whose X-Admin-Key does not verify.
// Failed attempts land in the audit trail keyed by client IP; the rate
// limiter in front of this middleware bounds how fast they can accumulate.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.guard.Verify(r.Header.Get(HeaderAdminKey)) {
			ip := clientIP(r)
			h.logger.Warn("admin auth failed", "ip", ip, "path", r.URL.Path)
			if h.audits != nil {
				h.audits.Record(audit.EventSecurityViolation, ip, "admin auth failed", map[string]any{
					"path": r.URL.Path,
				})
			}
			h.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the transport-resolved address (which honors the
// configured proxy depth) and falls back to the socket peer.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ctxkey.ClientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLocalhost reports whether the request arrived over loopback. Only the
// socket peer counts; X-Forwarded-For is spoofable and deliberately ignored
// here.
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}
