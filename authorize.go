package bridge

import (
	"fmt"

	"github.com/pilab-dev/shadow-bridge/internal/federation"
)

// Scope modes accepted on the authorize endpoint.
const (
	ScopeModeGuilds = "guilds"
	ScopeModeEmail  = "email"
)

var scopeModes = map[string][]string{
	ScopeModeGuilds: {"identify", "email", "guilds"},
	ScopeModeEmail:  {"identify", "email"},
}

// AuthorizeRequest is an incoming authorization request of the relying party.
type AuthorizeRequest struct {
	ClientID    string
	RedirectURI string
	ScopeMode   string
	State       string
}

// Authorizer turns authorization requests of the one registered client into
// upstream authorization URLs.
type Authorizer struct {
	clientID    string
	redirectURL string
	provider    federation.IdentityProvider
}

func NewAuthorizer(clientID, redirectURL string, provider federation.IdentityProvider) *Authorizer {
	return &Authorizer{clientID: clientID, redirectURL: redirectURL, provider: provider}
}

// AuthorizeURL validates req and returns the upstream URL to redirect to.
func (a *Authorizer) AuthorizeURL(req AuthorizeRequest) (string, error) {
	if req.ClientID != a.clientID {
		return "", fmt.Errorf("%w: unknown client_id", ErrBadRequest)
	}
	if req.RedirectURI != a.redirectURL {
		return "", fmt.Errorf("%w: redirect_uri mismatch", ErrBadRequest)
	}
	scopes, ok := scopeModes[req.ScopeMode]
	if !ok {
		return "", fmt.Errorf("%w: unknown scope mode %q", ErrBadRequest, req.ScopeMode)
	}

	return a.provider.AuthCodeURL(req.State, scopes), nil
}
