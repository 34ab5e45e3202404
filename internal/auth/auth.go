// Package auth implements the Auth Selector: choosing LOGIN or
// AUTHENTICATE XOAUTH2 based on configuration, refreshing a bearer token
// when needed, and latching observed server capabilities.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/esukram/imapfetcher/internal/config"
	"github.com/esukram/imapfetcher/internal/imap"
	"github.com/esukram/imapfetcher/internal/oauth2"
)

// ErrAuthNotSupported is returned when XOAUTH2 is configured but the
// server does not advertise SASL-IR and AUTH=XOAUTH2.
var ErrAuthNotSupported = errors.New("auth: server does not support XOAUTH2")

// Capabilities is the set of tokens observed from CAPABILITY responses.
type Capabilities map[string]bool

// HasGmail reports whether the server advertised the Gmail IMAP extension.
func (c Capabilities) HasGmail() bool { return c["X-GM-EXT-1"] }

// HasXOAuth2 reports whether the server supports inline XOAUTH2 auth.
func (c Capabilities) HasXOAuth2() bool { return c["SASL-IR"] && c["AUTH=XOAUTH2"] }

func (c Capabilities) merge(tokens []string) {
	for _, t := range tokens {
		c[t] = true
	}
}

// Authenticate logs in using cfg's configured mechanism and returns the
// capabilities observed along the way.
func Authenticate(ctx context.Context, ch *imap.Channel, cfg *config.Config) (Capabilities, error) {
	caps := Capabilities{}
	onUntagged := func(r imap.Reader, line []byte) error {
		if toks, ok := parseCapabilityLine(line); ok {
			caps.merge(toks)
		}
		return nil
	}

	if cfg.Mode() == config.AuthPassword {
		comp, err := ch.Execute("LOGIN", cfg.User+" "+cfg.Pass, onUntagged, nil)
		if err != nil {
			return nil, fmt.Errorf("auth: login: %w", err)
		}
		if toks, ok := parseCapabilityText(comp.Text); ok {
			caps.merge(toks)
		}
		return caps, nil
	}

	if _, err := ch.Execute("CAPABILITY", "", onUntagged, nil); err != nil {
		return nil, fmt.Errorf("auth: capability: %w", err)
	}
	if !caps.HasXOAuth2() {
		return nil, ErrAuthNotSupported
	}

	token := cfg.XOAuth2AccessToken
	if token == "" {
		t, err := oauth2.RefreshAccessToken(ctx, oauth2.RefreshConfig{
			TokenURL:     cfg.XOAuth2RequestURL,
			ClientID:     cfg.XOAuth2ClientID,
			ClientSecret: cfg.XOAuth2ClientSecret,
			RefreshToken: cfg.XOAuth2RefreshToken,
		})
		if err != nil {
			return nil, fmt.Errorf("auth: xoauth2 token refresh: %w", err)
		}
		token = t
	}

	payload := "user=" + cfg.User + "\x01auth=Bearer " + token + "\x01\x01"
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))

	onContinuation := func(challenge []byte) (string, bool, error) {
		if decoded, err := base64.StdEncoding.DecodeString(string(challenge)); err == nil {
			var obj map[string]any
			if json.Unmarshal(decoded, &obj) == nil {
				if status, ok := obj["status"].(string); ok && len(status) > 0 && (status[0] == '4' || status[0] == '5') {
					return "", false, nil
				}
			}
		}
		return "", true, nil
	}

	comp, err := ch.Execute("AUTHENTICATE", "XOAUTH2 "+encoded, onUntagged, onContinuation)
	if err != nil {
		return nil, fmt.Errorf("auth: xoauth2 authenticate: %w", err)
	}
	if toks, ok := parseCapabilityText(comp.Text); ok {
		caps.merge(toks)
	}
	return caps, nil
}

func parseCapabilityLine(line []byte) ([]string, bool) {
	s := string(line)
	if !strings.HasPrefix(s, "* CAPABILITY") {
		return nil, false
	}
	rest := strings.TrimSpace(s[len("* CAPABILITY"):])
	if rest == "" {
		return nil, true
	}
	return strings.Fields(rest), true
}

func parseCapabilityText(text string) ([]string, bool) {
	start := strings.Index(text, "[CAPABILITY")
	if start < 0 {
		return nil, false
	}
	rel := strings.IndexByte(text[start:], ']')
	if rel < 0 {
		return nil, false
	}
	inner := text[start+len("[CAPABILITY") : start+rel]
	return strings.Fields(inner), true
}
