// Package oauth2 is the XOAUTH2 token-endpoint HTTP collaborator: it
// refreshes a bearer access token from a refresh token, for accounts
// configured with xoauth2_request_url rather than a pre-obtained token.
package oauth2

import (
	"context"
	"fmt"

	xoauth2 "golang.org/x/oauth2"
)

// RefreshConfig names the token-endpoint form fields the spec requires:
// client_id, client_secret, refresh_token, and grant_type=refresh_token
// (grant_type is implied by golang.org/x/oauth2 when AccessToken is empty
// and RefreshToken is set).
type RefreshConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// RefreshAccessToken posts the refresh-token grant to cfg.TokenURL and
// returns the resulting access token.
func RefreshAccessToken(ctx context.Context, cfg RefreshConfig) (string, error) {
	oc := &xoauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     xoauth2.Endpoint{TokenURL: cfg.TokenURL},
	}
	src := oc.TokenSource(ctx, &xoauth2.Token{RefreshToken: cfg.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("oauth2: refresh token: %w", err)
	}
	return tok.AccessToken, nil
}
