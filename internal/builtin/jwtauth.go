package builtin

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

type jwtAuthParams struct {
	// Secret is the HMAC signing secret. Exactly one of Secret and
	// PublicKey must be set.
	Secret string `mapstructure:"secret"`

	// PublicKey is a PEM-encoded RSA public key.
	PublicKey string `mapstructure:"public_key"`

	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`

	// Header carries the bearer token. Defaults to Authorization.
	Header string `mapstructure:"header"`

	// ClaimsKey is the request value under which validated claims are
	// exported for later stages. Defaults to "jwt.claims".
	ClaimsKey string `mapstructure:"claims_key"`
}

// newJWTAuth validates bearer tokens. Signature, expiry, and the configured
// issuer/audience are checked; validated claims land in Request.Values so
// later stages can authorize on them.
func newJWTAuth(params map[string]interface{}) (policy.Func, error) {
	var p jwtAuthParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if (p.Secret == "") == (p.PublicKey == "") {
		return nil, fmt.Errorf("exactly one of secret and public_key is required")
	}
	if p.Header == "" {
		p.Header = "Authorization"
	}
	if p.ClaimsKey == "" {
		p.ClaimsKey = "jwt.claims"
	}

	var rsaKey *rsa.PublicKey
	if p.PublicKey != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(p.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("invalid public_key: %w", err)
		}
		rsaKey = key
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if rsaKey != nil {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return rsaKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(p.Secret), nil
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.Issuer))
	}
	if p.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.Audience))
	}

	return func(_ context.Context, req *policy.Request, reply *policy.Reply) {
		raw := bearerToken(req.Header.Get(p.Header))
		if raw == "" {
			reply.Deny("missing bearer token")
			return
		}

		claims := jwt.MapClaims{}
		if _, err := jwt.ParseWithClaims(raw, claims, keyFunc, opts...); err != nil {
			reply.Deny("invalid or expired token")
			return
		}

		req.SetValue(p.ClaimsKey, map[string]interface{}(claims))
		reply.Grant()
	}, nil
}

// bearerToken strips the Bearer scheme, returning the raw header value when
// no scheme is present.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return strings.TrimSpace(header)
}
