package sso

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"
)

// ClientSecret is the relying party secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Alg represents asymmetric signing algorithms supported for provider tokens.
type Alg string

const (
	RS256 Alg = "RS256"
	RS384 Alg = "RS384"
	RS512 Alg = "RS512"
	ES256 Alg = "ES256"
	ES384 Alg = "ES384"
	ES512 Alg = "ES512"
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
}

const (
	// DefaultRolesClaimPath is the default JSON pointer to the role list
	// inside decoded access token claims.
	DefaultRolesClaimPath = "/roles"

	// DefaultGroupsClaimPath is the default JSON pointer to the group name
	// list inside decoded access token claims.
	DefaultGroupsClaimPath = "/groups"
)

// Config represents the configuration for the single identity provider this
// server federates login to.
type Config struct {
	// Issuer is a case-sensitive URL string using the https scheme that the
	// discovery document is fetched from
	Issuer string

	// ClientId is the relying party id
	ClientId string

	// ClientSecret is the relying party secret
	ClientSecret ClientSecret

	// RedirectURL is the URL the provider redirects back to after the
	// authorization leg
	RedirectURL string

	// KeyFilepath is an optional path to a PEM encoded public key used to
	// verify provider token signatures.  When empty or unreadable the
	// Decoder runs under the Insecure policy (see NewDecoder).
	KeyFilepath string

	// SupportedAlg is the signing algorithm expected of provider tokens
	// under the Verified policy.  Defaults to RS256.
	SupportedAlg Alg

	// RolesEnabled turns on role extraction from access tokens
	RolesEnabled bool

	// RolesClaimPath is the JSON pointer to the role list inside decoded
	// access token claims.  Defaults to DefaultRolesClaimPath.
	RolesClaimPath string

	// RolesDefaultToUser makes a missing or unparseable role non-fatal when
	// RolesEnabled is set
	RolesDefaultToUser bool

	// OrganizationInvites turns on group extraction and SyncGroups
	OrganizationInvites bool

	// GroupsClaimPath is the JSON pointer to the group name list inside
	// decoded access token claims.  Defaults to DefaultGroupsClaimPath.
	GroupsClaimPath string

	// OrganizationsScope is an optional extra scope requested when
	// OrganizationInvites is set
	OrganizationsScope string

	// ProviderCA is an optional CA cert PEM to use when sending requests to
	// the provider
	ProviderCA string
}

// Validate the provider configuration.  Among other things, it verifies the
// issuer parses as an http(s) URL, but it doesn't verify the issuer is
// discoverable via an http request.  Validation failures are accumulated so
// an operator sees every misconfigured field at once.
func (c *Config) Validate() error {
	const op = "sso.(Config).Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientId == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter))
	}
	if c.ClientSecret == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client secret is empty: %w", op, ErrInvalidParameter))
	}
	if c.RedirectURL == "" {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter))
	}
	switch u, err := url.Parse(c.Issuer); {
	case c.Issuer == "":
		result = multierror.Append(result, fmt.Errorf("%s: issuer URL is empty: %w", op, ErrInvalidParameter))
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("%s: issuer %s is invalid: %w", op, c.Issuer, err))
	case u.Scheme != "https" && u.Scheme != "http":
		result = multierror.Append(result, fmt.Errorf("%s: issuer %s schema is not http or https: %w", op, c.Issuer, ErrInvalidParameter))
	}
	if c.SupportedAlg != "" && !supportedAlgorithms[c.SupportedAlg] {
		result = multierror.Append(result, fmt.Errorf("%s: alg %s: %w", op, c.SupportedAlg, ErrUnsupportedAlg))
	}
	return result.ErrorOrNil()
}

// alg returns the configured signing algorithm, defaulting to RS256.
func (c *Config) alg() Alg {
	if c.SupportedAlg == "" {
		return RS256
	}
	return c.SupportedAlg
}

// rolesClaimPath returns the configured role claim pointer or its default.
func (c *Config) rolesClaimPath() string {
	if c.RolesClaimPath == "" {
		return DefaultRolesClaimPath
	}
	return c.RolesClaimPath
}

// groupsClaimPath returns the configured group claim pointer or its default.
func (c *Config) groupsClaimPath() string {
	if c.GroupsClaimPath == "" {
		return DefaultGroupsClaimPath
	}
	return c.GroupsClaimPath
}

// HTTPClient returns an http.Client for the provider.  The returned client
// limits the number of idle connections and uses the ProviderCA roots when
// one is configured.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "sso.(Config).HTTPClient"
	tr := cleanhttp.DefaultPooledTransport()
	if c.ProviderCA != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			return nil, fmt.Errorf("%s: could not parse provider CA PEM: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}
	return &http.Client{
		Transport: tr,
	}, nil
}

// HTTPClientContext returns a context that will use the client for all oauth2
// and oidc requests made with it.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
