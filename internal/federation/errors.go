package federation

import (
	"errors"
	"fmt"
)

var (
	ErrProviderMisconfigured = errors.New("provider is misconfigured")
	ErrMissingAccessToken    = errors.New("token response carries no access_token")
)

// Upstream operation names, used in UpstreamError and logs.
const (
	OpExchangeCode = "token_exchange"
	OpFetchProfile = "fetch_profile"
	OpFetchGuilds  = "fetch_guilds"
	OpFetchRoles   = "fetch_roles"
)

// UpstreamError reports a failed call to the identity provider: a transport
// error, a timeout, a non-200 status or a body that could not be decoded.
type UpstreamError struct {
	Op         string
	StatusCode int            // 0 when no response was received
	Body       map[string]any // decoded response body, when it was JSON
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("federation: %s failed: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("federation: %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("federation: %s failed: status %d", e.Op, e.StatusCode)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
