package oidc

// Standard claim names used to build a local account.
const (
	ClaimPreferredUsername = "preferred_username"
	ClaimEmail             = "email"
	ClaimGivenName         = "given_name"
	ClaimFamilyName        = "family_name"
	ClaimSubject           = "sub"
)

// Claims are the identity attributes read from the provider.
type Claims struct {
	PreferredUsername string
	Email             string
	GivenName         string
	FamilyName        string
}

// ClaimSource is anything that can answer a claim by name.
type ClaimSource interface {
	RequestClaim(name string) (string, bool)
}

// ExtractClaims reads the standard claims from src. Absent claims are empty.
func ExtractClaims(src ClaimSource) Claims {
	get := func(name string) string {
		v, _ := src.RequestClaim(name)
		return v
	}
	return Claims{
		PreferredUsername: get(ClaimPreferredUsername),
		Email:             get(ClaimEmail),
		GivenName:         get(ClaimGivenName),
		FamilyName:        get(ClaimFamilyName),
	}
}

// claimSet is a decoded JSON claims object.
type claimSet map[string]any

// String returns a string claim; non-string values are treated as absent.
func (c claimSet) String(name string) (string, bool) {
	v, ok := c[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// merge copies every claim in other over c.
func (c claimSet) merge(other claimSet) {
	for k, v := range other {
		c[k] = v
	}
}
