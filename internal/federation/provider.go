package federation

import (
	"context"
	"net/http"
	"time"
)

// TokenResult is the upstream answer to an authorization code exchange.
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	StatusCode int            `json:"-"`
	Raw        map[string]any `json:"-"` // every field of the upstream response
}

// UserProfile is the resource owner as reported by the provider. Only the
// fields listed here are ever copied into an issued token.
type UserProfile struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator,omitempty"`
	GlobalName    *string `json:"global_name"`
	Avatar        *string `json:"avatar"`
	Banner        *string `json:"banner,omitempty"`
	AccentColor   *int    `json:"accent_color,omitempty"`
	Email         string  `json:"email,omitempty"`
	Verified      bool    `json:"verified"`
	Locale        string  `json:"locale,omitempty"`
	MFAEnabled    bool    `json:"mfa_enabled"`
	Flags         int64   `json:"flags"`
	PublicFlags   int64   `json:"public_flags"`
	PremiumType   int     `json:"premium_type"`
}

// RoleLookup is the joined result of the per-guild role lookups. A guild
// appears in exactly one of the two maps.
type RoleLookup struct {
	Roles    map[string][]string
	Failures map[string]error
}

// IdentityProvider is the upstream side of the bridge.
type IdentityProvider interface {
	// AuthCodeURL builds the upstream authorization URL for the given state
	// and scopes.
	AuthCodeURL(state string, scopes []string) string

	// ExchangeCode trades an authorization code for an access token. Single
	// attempt; anything but a 200 with a JSON body is an *UpstreamError.
	ExchangeCode(ctx context.Context, code string) (*TokenResult, error)

	// FetchProfile loads the current user with the access token.
	FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error)

	// FetchGuilds lists the ids of the guilds the user is a member of.
	FetchGuilds(ctx context.Context, accessToken string) ([]string, error)

	// FetchRoles looks up the user's roles in each guild concurrently and
	// waits for all lookups.
	FetchRoles(ctx context.Context, userID string, guildIDs []string) RoleLookup
}

// Config holds the client registration and transport settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// BotToken enables role lookups. Empty disables them.
	BotToken string

	APIURL       string // defaults to DiscordAPIURL
	AuthorizeURL string // defaults to DiscordAuthorizeURL

	// Timeout bounds every single upstream call.
	Timeout time.Duration

	// RoleLookupConcurrency caps the parallel role lookups of one request.
	RoleLookupConcurrency int

	HTTPClient *http.Client
}

const (
	defaultTimeout               = 10 * time.Second
	defaultRoleLookupConcurrency = 8
	maxResponseBytes             = 1 << 20
)

func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = DiscordAPIURL
	}
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = DiscordAuthorizeURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RoleLookupConcurrency <= 0 {
		c.RoleLookupConcurrency = defaultRoleLookupConcurrency
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
}
