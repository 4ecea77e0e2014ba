package builtin

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

type basicAuthParams struct {
	// Users maps usernames to bcrypt password hashes. Plaintext passwords
	// are rejected at load.
	Users map[string]string `mapstructure:"users"`

	// UserKey is the request value receiving the authenticated username.
	// Defaults to "auth.user".
	UserKey string `mapstructure:"user_key"`
}

// newBasicAuth checks HTTP basic credentials against bcrypt hashes.
func newBasicAuth(params map[string]interface{}) (policy.Func, error) {
	var p basicAuthParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Users) == 0 {
		return nil, fmt.Errorf("users is required")
	}
	for user, hash := range p.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("users[%s]: not a bcrypt hash: %w", user, err)
		}
	}
	if p.UserKey == "" {
		p.UserKey = "auth.user"
	}

	return func(_ context.Context, req *policy.Request, reply *policy.Reply) {
		user, pass, ok := basicCredentials(req.Header.Get("Authorization"))
		if !ok {
			reply.Deny("missing credentials")
			return
		}

		hash, known := p.Users[user]
		if !known {
			// Burn a comparison anyway so unknown users cost the same as
			// wrong passwords.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$1234567890123456789012"), []byte(pass))
			reply.Deny("invalid credentials")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) != nil {
			reply.Deny("invalid credentials")
			return
		}

		req.SetValue(p.UserKey, user)
		reply.Grant()
	}, nil
}

func basicCredentials(header string) (user, pass string, ok bool) {
	const prefix = "basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return user, pass, true
}
