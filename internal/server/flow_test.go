package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridge "github.com/pilab-dev/shadow-bridge"
	bridgeecho "github.com/pilab-dev/shadow-bridge/api/echo"
	"github.com/pilab-dev/shadow-bridge/internal/audit"
	"github.com/pilab-dev/shadow-bridge/internal/federation"
	"github.com/pilab-dev/shadow-bridge/kv"
	"github.com/pilab-dev/shadow-bridge/log"
)

const (
	flowIssuer   = "https://cloudflare.com"
	flowClientID = "client"
	flowUserID   = "80351110224678912"
)

func fakeDiscord(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("code") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":604800,"refresh_token":"rt","scope":"identify email guilds"}`))
	})
	mux.HandleFunc("GET /users/@me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"` + flowUserID + `","username":"alice","discriminator":"0","global_name":null,"email":"alice@example.com","verified":true,"avatar":null}`))
	})
	mux.HandleFunc("GET /users/@me/guilds", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"g1"},{"id":"g2"}]`))
	})
	mux.HandleFunc("GET /guilds/g2/members/"+flowUserID, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot bot-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"roles":["r1"]}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newBridgeServer(t *testing.T, upstream string) *httptest.Server {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	provider, err := federation.NewDiscordProvider(federation.Config{
		ClientID:     flowClientID,
		ClientSecret: "secret",
		RedirectURL:  "https://rp.example/callback",
		BotToken:     "bot-token",
		APIURL:       upstream,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)

	auditStore := audit.NewStore(store, audit.WithOutput(zerolog.Nop()))
	keys := bridge.NewSigningKeyStore(store)
	tokens := bridge.NewTokenService(provider, bridge.NewTokenSigner(keys, time.Hour), auditStore, log.Nop(), bridge.TokenServiceConfig{
		Issuer:          flowIssuer,
		ClientID:        flowClientID,
		RoleCheckGuilds: []string{"g2", "g3"},
		RoleLookups:     true,
	})
	api := bridgeecho.NewBridgeAPI(
		bridge.NewAuthorizer(flowClientID, "https://rp.example/callback", provider),
		tokens,
		bridge.NewJWKSService(keys),
		auditStore,
	)

	srv := httptest.NewServer(NewRouter("test", log.Nop(), api, nil))
	t.Cleanup(srv.Close)

	return srv
}

func postCode(t *testing.T, base, code string) *http.Response {
	t.Helper()
	resp, err := http.PostForm(base+"/token", url.Values{"code": {code}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestTokenFlow_RelyingPartyVerifiesIDToken(t *testing.T) {
	bridgeSrv := newBridgeServer(t, fakeDiscord(t).URL)
	ctx := context.Background()

	resp := postCode(t, bridgeSrv.URL, "good")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "at", body["access_token"])
	assert.Equal(t, "rt", body["refresh_token"])
	assert.Equal(t, "identify email", body["scope"])
	rawIDToken, ok := body["id_token"].(string)
	require.True(t, ok)

	keySet := oidc.NewRemoteKeySet(ctx, bridgeSrv.URL+"/jwks.json")
	verifier := oidc.NewVerifier(flowIssuer, keySet, &oidc.Config{ClientID: flowClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	require.NoError(t, err)
	assert.Empty(t, idToken.Subject)
	assert.WithinDuration(t, time.Now().Add(time.Hour), idToken.Expiry, time.Minute)

	var claims struct {
		ID                string   `json:"id"`
		PreferredUsername string   `json:"preferred_username"`
		Name              string   `json:"name"`
		Email             string   `json:"email"`
		Guilds            []string `json:"guilds"`
		RolesG2           []string `json:"roles:g2"`
		RolesG3           []string `json:"roles:g3"`
	}
	require.NoError(t, idToken.Claims(&claims))
	assert.Equal(t, flowUserID, claims.ID)
	assert.Equal(t, "alice", claims.PreferredUsername)
	assert.Equal(t, "alice", claims.Name)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, []string{"g1", "g2"}, claims.Guilds)
	assert.Equal(t, []string{"r1"}, claims.RolesG2)
	assert.Nil(t, claims.RolesG3)

	logs, err := http.Get(bridgeSrv.URL + "/debug/logs")
	require.NoError(t, err)
	defer logs.Body.Close()
	var entries []audit.Entry
	require.NoError(t, json.NewDecoder(logs.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StepTokenIssued, entries[0].Step)
}

func TestTokenFlow_RejectedCode(t *testing.T) {
	bridgeSrv := newBridgeServer(t, fakeDiscord(t).URL)

	resp := postCode(t, bridgeSrv.URL, "expired")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Bad request.", string(body))

	logs, err := http.Get(bridgeSrv.URL + "/debug/logs")
	require.NoError(t, err)
	defer logs.Body.Close()
	var entries []audit.Entry
	require.NoError(t, json.NewDecoder(logs.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StepTokenExchangeFailed, entries[0].Step)
	assert.Equal(t, float64(400), entries[0].Details["tokenRespStatus"])
}
