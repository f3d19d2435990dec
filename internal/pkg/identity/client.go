// Package identity wraps the hosted GoTrue identity provider. The gateway
// never stores passwords; it exchanges credentials for the provider's
// stable user id and mints its own JWTs from there.
package identity

import (
	"log/slog"
	"strings"

	"github.com/supabase-community/gotrue-go"

	"github.com/neurongate/gateway/internal/apperr"
)

type Client struct {
	auth gotrue.Client
}

// extractProjectRef accepts either a bare project ref or a full
// https://<ref>.supabase.co URL.
func extractProjectRef(ref string) string {
	ref = strings.TrimPrefix(ref, "https://")
	ref = strings.TrimPrefix(ref, "http://")
	return strings.Split(ref, ".")[0]
}

func NewClient(projectRef, apiKey string) (*Client, error) {
	client := gotrue.New(extractProjectRef(projectRef), apiKey)

	if _, err := client.GetSettings(); err != nil {
		return nil, apperr.Wrap(apperr.TypeConfig, "identity_unreachable", "failed to connect to identity provider", err)
	}
	slog.Info("identity provider connected", "project", extractProjectRef(projectRef))
	return &Client{auth: client}, nil
}

// Verified identity of a signed-in user.
type Identity struct {
	UserID string
	Email  string
}

// SignIn validates credentials against the provider and returns the
// provider-issued user id, which is the gateway's primary key for the user.
func (c *Client) SignIn(email, password string) (*Identity, error) {
	res, err := c.auth.SignInWithEmailPassword(email, password)
	if err != nil {
		return nil, apperr.Wrap(apperr.TypeAuth, "invalid_credentials", "authentication failed", err)
	}
	if res == nil || res.AccessToken == "" {
		return nil, apperr.New(apperr.TypeAuth, "invalid_credentials", "authentication failed")
	}
	return &Identity{UserID: res.User.ID.String(), Email: res.User.Email}, nil
}
