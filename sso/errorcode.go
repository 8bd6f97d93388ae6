package sso

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrorCodePrefix marks an authorization-code-shaped string as a wrapped
// provider error rather than a real code.
const ErrorCodePrefix = "error_"

// errorCodeIssuer is the issuer claim of wrapped provider errors.
const errorCodeIssuer = "keywarden|ssoerror"

// errorCodeTTL bounds how long a wrapped provider error stays redeemable.
// It only has to survive one browser redirect.
const errorCodeTTL = 5 * time.Minute

// errorEnvelopeClaims is the wire representation of a wrapped provider
// error.
type errorEnvelopeClaims struct {
	ErrorCode   string `json:"error"`
	Description string `json:"error_description,omitempty"`
	jwt.RegisteredClaims
}

// ErrorCoder encodes provider errors into, and decodes them from, strings
// that can travel through a redirect-only callback channel which accepts
// nothing but an authorization code.  The in-process data model is
// *ProviderError; the prefixed signed token is only the wire format.
type ErrorCoder struct {
	key []byte
}

// NewErrorCoder creates an ErrorCoder signing with the given HMAC key.  The
// key never leaves the process; it only prevents the callback channel from
// being used to inject fabricated provider errors.
func NewErrorCoder(key []byte) (*ErrorCoder, error) {
	const op = "sso.NewErrorCoder"
	if len(key) == 0 {
		return nil, fmt.Errorf("%s: signing key is empty: %w", op, ErrInvalidParameter)
	}
	return &ErrorCoder{key: key}, nil
}

// Encode wraps a provider error/description pair into an authorization-code
// shaped string.
func (c *ErrorCoder) Encode(errorCode string, description string) (string, error) {
	const op = "sso.(ErrorCoder).Encode"
	now := time.Now()
	claims := errorEnvelopeClaims{
		ErrorCode:   errorCode,
		Description: description,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    errorCodeIssuer,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(errorCodeTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("%s: unable to sign error claims: %w", op, err)
	}
	return ErrorCodePrefix + signed, nil
}

// Decode classifies an authorization code.  It returns (nil, false, nil)
// when code does not match the error prefix and should be treated as a real
// authorization code, (err, true, nil) when it decodes to a provider error,
// and (nil, true, err) when it matches the prefix but fails to decode.
func (c *ErrorCoder) Decode(code string) (*ProviderError, bool, error) {
	const op = "sso.(ErrorCoder).Decode"
	raw, found := strings.CutPrefix(code, ErrorCodePrefix)
	if !found {
		return nil, false, nil
	}
	var claims errorEnvelopeClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.key, nil
	}, jwt.WithIssuer(errorCodeIssuer))
	if err != nil {
		return nil, true, fmt.Errorf("%s: failed to decode sso error: %v: %w", op, err, ErrInvalidToken)
	}
	return &ProviderError{
		ErrorCode:   claims.ErrorCode,
		Description: claims.Description,
	}, true, nil
}
