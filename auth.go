package moonbot

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
)

// Authenticator validates connection tokens against a configured set of
// SHA-256 hex digests. With no digests configured, authentication is
// disabled and every token (including empty) is accepted.
//
// Validation is constant-time across the configured set: every digest is
// compared in full and the results are OR-ed, so a match in the first slot
// costs the same as a match in the last or no match at all. Error messages
// never echo the token or reveal digest lengths.
type Authenticator struct {
	digests [][]byte // decoded SHA-256 digests, all 32 bytes
	limiter *RateLimiter
	logger  *slog.Logger
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithAuthLogger sets a structured logger for admission decisions.
func WithAuthLogger(l *slog.Logger) AuthOption {
	return func(a *Authenticator) { a.logger = l }
}

// compareDigest is subtle.ConstantTimeCompare behind a seam, so tests can
// count that validation touches every configured digest.
var compareDigest = subtle.ConstantTimeCompare

// NewAuthenticator creates an Authenticator. tokenDigests are hex-encoded
// SHA-256 digests of accepted tokens; malformed entries are skipped.
// limiter may be nil (no token-axis rate limiting).
func NewAuthenticator(tokenDigests []string, limiter *RateLimiter, opts ...AuthOption) *Authenticator {
	a := &Authenticator{limiter: limiter, logger: nopLogger}
	for _, hexDigest := range tokenDigests {
		raw, err := hex.DecodeString(hexDigest)
		if err != nil || len(raw) != sha256.Size {
			a.logger.Warn("skipping malformed token digest")
			continue
		}
		a.digests = append(a.digests, raw)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether any token digests are configured.
func (a *Authenticator) Enabled() bool {
	return len(a.digests) > 0
}

// ValidateToken checks token against the configured digest set. On failure
// it returns a TaskError whose code is one of AUTH_MISSING_TOKEN,
// RATE_LIMIT_EXCEEDED, or AUTH_INVALID_TOKEN.
func (a *Authenticator) ValidateToken(token string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return NewTaskError(CodeAuthMissingToken, "authentication token required")
	}
	if a.limiter != nil && !a.limiter.CheckToken(token) {
		return NewTaskError(CodeRateLimitExceeded, "too many authentication attempts")
	}

	sum := sha256.Sum256([]byte(token))

	// Compare against every digest without short-circuiting; accumulate the
	// OR of equalities so timing does not depend on which digest matched.
	match := 0
	for _, d := range a.digests {
		match |= compareDigest(sum[:], d)
	}
	if match != 1 {
		a.logger.Warn("invalid token presented")
		return NewTaskError(CodeAuthInvalidToken, "invalid authentication token")
	}
	return nil
}

// HashToken returns the hex SHA-256 digest of token. Configuration files
// store digests produced by this function, never plaintext tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
