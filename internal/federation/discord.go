package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

var (
	DiscordAPIURL       = "https://discord.com/api/v10"
	DiscordAuthorizeURL = "https://discord.com/oauth2/authorize"
)

// ExchangeScope is the scope sent with every code exchange.
const ExchangeScope = "identify email"

// DiscordProvider implements IdentityProvider for Discord.
type DiscordProvider struct {
	cfg    Config
	oauth2 *oauth2.Config
}

// NewDiscordProvider creates a new DiscordProvider.
func NewDiscordProvider(cfg Config) (*DiscordProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, ErrProviderMisconfigured
	}
	cfg.applyDefaults()
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	return &DiscordProvider{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.APIURL + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}, nil
}

// AuthCodeURL builds the Discord authorize URL. Discord is asked not to
// prompt again for an already granted consent.
func (d *DiscordProvider) AuthCodeURL(state string, scopes []string) string {
	conf := *d.oauth2
	conf.Scopes = scopes

	return conf.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "none"))
}

// ExchangeCode posts the authorization code to the token endpoint. The raw
// response is kept so that the bridge can hand every upstream field back to
// its own client.
func (d *DiscordProvider) ExchangeCode(ctx context.Context, code string) (*TokenResult, error) {
	form := url.Values{
		"client_id":     {d.cfg.ClientID},
		"client_secret": {d.cfg.ClientSecret},
		"redirect_uri":  {d.cfg.RedirectURL},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"scope":         {ExchangeScope},
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.oauth2.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &UpstreamError{Op: OpExchangeCode, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var raw map[string]any
	status, err := d.do(req, d.cfg.HTTPClient, OpExchangeCode, &raw)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("status", status).Msg("discord token exchange completed")

	result := &TokenResult{
		AccessToken:  stringValue(raw["access_token"]),
		TokenType:    stringValue(raw["token_type"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		Scope:        stringValue(raw["scope"]),
		ExpiresIn:    int64Value(raw["expires_in"]),
		StatusCode:   status,
		Raw:          raw,
	}
	if result.AccessToken == "" {
		return nil, &UpstreamError{Op: OpExchangeCode, StatusCode: status, Body: raw, Err: ErrMissingAccessToken}
	}

	return result, nil
}

// FetchProfile loads /users/@me.
func (d *DiscordProvider) FetchProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	var profile UserProfile
	if err := d.getWithToken(ctx, OpFetchProfile, "/users/@me", accessToken, &profile); err != nil {
		return nil, err
	}

	return &profile, nil
}

// FetchGuilds loads /users/@me/guilds and returns the guild ids in the
// order Discord lists them.
func (d *DiscordProvider) FetchGuilds(ctx context.Context, accessToken string) ([]string, error) {
	var guilds []struct {
		ID string `json:"id"`
	}
	if err := d.getWithToken(ctx, OpFetchGuilds, "/users/@me/guilds", accessToken, &guilds); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(guilds))
	for _, g := range guilds {
		ids = append(ids, g.ID)
	}

	return ids, nil
}

// FetchRoles reads the member record of userID in every guild with the bot
// token. The lookups run concurrently and all of them are awaited; a failed
// lookup lands in Failures and never in Roles.
func (d *DiscordProvider) FetchRoles(ctx context.Context, userID string, guildIDs []string) RoleLookup {
	result := RoleLookup{
		Roles:    make(map[string][]string),
		Failures: make(map[string]error),
	}
	if len(guildIDs) == 0 {
		return result
	}
	if d.cfg.BotToken == "" {
		for _, id := range guildIDs {
			result.Failures[id] = &UpstreamError{Op: OpFetchRoles, Err: ErrProviderMisconfigured}
		}
		return result
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.RoleLookupConcurrency)

	for _, guildID := range guildIDs {
		g.Go(func() error {
			roles, err := d.fetchMemberRoles(ctx, guildID, userID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures[guildID] = err
				return nil
			}
			result.Roles[guildID] = roles
			return nil
		})
	}
	_ = g.Wait()

	return result
}

func (d *DiscordProvider) fetchMemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/guilds/%s/members/%s", d.cfg.APIURL, url.PathEscape(guildID), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &UpstreamError{Op: OpFetchRoles, Err: err}
	}
	req.Header.Set("Authorization", "Bot "+d.cfg.BotToken)
	req.Header.Set("Accept", "application/json")

	var member struct {
		Roles []string `json:"roles"`
	}
	if _, err := d.do(req, d.cfg.HTTPClient, OpFetchRoles, &member); err != nil {
		return nil, err
	}
	if member.Roles == nil {
		member.Roles = []string{}
	}

	return member.Roles, nil
}

// getWithToken performs a GET authenticated with the user's access token.
func (d *DiscordProvider) getWithToken(ctx context.Context, op, path, accessToken string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, d.cfg.HTTPClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.APIURL+path, nil)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	status, err := d.do(req, client, op, out)
	if err != nil {
		return err
	}
	log.Debug().Str("op", op).Int("status", status).Msg("discord request completed")

	return nil
}

// do sends req, requires a 200 and decodes the JSON body into out.
func (d *DiscordProvider) do(req *http.Request, client *http.Client, op string, out any) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		upErr := &UpstreamError{Op: op, StatusCode: resp.StatusCode}
		var decoded map[string]any
		if json.Unmarshal(body, &decoded) == nil {
			upErr.Body = decoded
		}
		return resp.StatusCode, upErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, &UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}

	return resp.StatusCode, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func int64Value(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// IsTimeout reports whether err is an upstream call that ran out of time.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Ensure DiscordProvider implements IdentityProvider.
var _ IdentityProvider = (*DiscordProvider)(nil)
