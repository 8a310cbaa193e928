package auth

import "time"

const (
	// DefaultLeeway is applied to cache lookups when the caller sets none.
	DefaultLeeway = 10 * time.Second
	// MaxDefaultTokenLeeway bounds the leeway accepted for the default
	// session token. Its lifetime is about a minute, so a larger leeway
	// would make every cached token stale on arrival.
	MaxDefaultTokenLeeway = 60 * time.Second
)

type tokenOptions struct {
	template        string
	organizationID  string
	organizationSet bool
	leeway          time.Duration
	leewaySet       bool
	skipCache       bool
}

// TokenOption adjusts a single GetToken call.
type TokenOption func(*tokenOptions)

// WithTemplate requests a token minted from the named JWT template instead
// of the default session token.
func WithTemplate(name string) TokenOption {
	return func(o *tokenOptions) {
		o.template = name
	}
}

// WithLeeway treats cached tokens expiring within d as stale.
func WithLeeway(d time.Duration) TokenOption {
	return func(o *tokenOptions) {
		o.leeway = d
		o.leewaySet = true
	}
}

// WithOrganization scopes the token to an organization. An empty ID selects
// the personal workspace. Without this option the session's last active
// organization is used.
func WithOrganization(id string) TokenOption {
	return func(o *tokenOptions) {
		o.organizationID = id
		o.organizationSet = true
	}
}

// SkipCache always fetches a fresh token. The result still replaces the
// cached entry.
func SkipCache() TokenOption {
	return func(o *tokenOptions) {
		o.skipCache = true
	}
}

// InitOptions controls InitAuth.
type InitOptions struct {
	EnablePolling bool
}
