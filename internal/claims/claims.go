// Package claims maps upstream identity data onto the claim set of an
// issued ID token.
package claims

import (
	"encoding/json"
	"slices"

	"github.com/pilab-dev/shadow-bridge/internal/federation"
)

// NoDiscriminator is the value Discord reports for migrated usernames.
const NoDiscriminator = "0"

// RoleClaimPrefix prefixes the per-guild role claims.
const RoleClaimPrefix = "roles:"

// Input is everything Assemble needs. Profile must be the verified profile.
type Input struct {
	Issuer   string
	Audience string
	Profile  federation.UserProfile
	Guilds   []string
	Roles    map[string][]string
}

// IdentityClaims is the claim set of one ID token. Expiry and issue time are
// added by the signer, everything else is fixed here.
type IdentityClaims struct {
	Issuer            string
	Audience          string
	PreferredUsername string
	Name              string
	Profile           federation.UserProfile
	Guilds            []string
	Roles             map[string][]string
}

// Assemble builds the claims. It does no I/O and its result depends on the
// input only; slices and maps are copied so the caller may reuse them.
func Assemble(in Input) IdentityClaims {
	guilds := slices.Clone(in.Guilds)
	if guilds == nil {
		guilds = []string{}
	}

	roles := make(map[string][]string, len(in.Roles))
	for guildID, ids := range in.Roles {
		if ids == nil {
			ids = []string{}
		}
		roles[guildID] = slices.Clone(ids)
	}

	return IdentityClaims{
		Issuer:            in.Issuer,
		Audience:          in.Audience,
		PreferredUsername: PreferredUsername(in.Profile),
		Name:              DisplayName(in.Profile),
		Profile:           in.Profile,
		Guilds:            guilds,
		Roles:             roles,
	}
}

// PreferredUsername appends "#discriminator" to the username unless the
// account has no discriminator.
func PreferredUsername(p federation.UserProfile) string {
	if p.Discriminator != "" && p.Discriminator != NoDiscriminator {
		return p.Username + "#" + p.Discriminator
	}

	return p.Username
}

// DisplayName is the global display name, falling back to the username.
func DisplayName(p federation.UserProfile) string {
	if p.GlobalName != nil {
		return *p.GlobalName
	}

	return p.Username
}

// Map returns the claims as the flat JSON object that gets signed. The
// profile is flattened field by field; nothing the provider sends beyond
// federation.UserProfile can reach the token.
func (c IdentityClaims) Map() map[string]any {
	p := c.Profile
	m := map[string]any{
		"id":           p.ID,
		"username":     p.Username,
		"avatar":       stringOrNil(p.Avatar),
		"verified":     p.Verified,
		"mfa_enabled":  p.MFAEnabled,
		"flags":        p.Flags,
		"public_flags": p.PublicFlags,
		"premium_type": p.PremiumType,
	}
	if p.Discriminator != "" {
		m["discriminator"] = p.Discriminator
	}
	if p.Banner != nil {
		m["banner"] = *p.Banner
	}
	if p.AccentColor != nil {
		m["accent_color"] = *p.AccentColor
	}
	if p.Locale != "" {
		m["locale"] = p.Locale
	}

	for guildID, ids := range c.Roles {
		m[RoleClaimPrefix+guildID] = slices.Clone(ids)
	}

	m["iss"] = c.Issuer
	m["aud"] = c.Audience
	m["preferred_username"] = c.PreferredUsername
	m["email"] = p.Email
	m["global_name"] = stringOrNil(p.GlobalName)
	m["name"] = c.Name
	m["guilds"] = slices.Clone(c.Guilds)

	return m
}

// RoleClaims returns only the roles:<guild> entries.
func (c IdentityClaims) RoleClaims() map[string][]string {
	out := make(map[string][]string, len(c.Roles))
	for guildID, ids := range c.Roles {
		out[RoleClaimPrefix+guildID] = slices.Clone(ids)
	}

	return out
}

func (c IdentityClaims) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}

	return *s
}
