// Package config parses the line-oriented key=value configuration file
// that describes a single mailbox mirror run.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the validated settings for one mirror run.
type Config struct {
	Server   string
	Port     int
	SSL      bool
	StartTLS bool

	User string
	Pass string

	XOAuth2AccessToken  string
	XOAuth2RequestURL   string
	XOAuth2ClientID     string
	XOAuth2ClientSecret string
	XOAuth2RefreshToken string

	Folder     string
	FolderFlag string

	Command string
}

// AuthMode identifies which of the three mutually exclusive auth
// mechanisms a Config selects.
type AuthMode int

const (
	AuthPassword AuthMode = iota
	AuthXOAuth2AccessToken
	AuthXOAuth2Refresh
)

// Mode returns the auth mechanism this config selects. Only meaningful
// after Load, which guarantees exactly one of the three is set.
func (c *Config) Mode() AuthMode {
	switch {
	case c.XOAuth2AccessToken != "":
		return AuthXOAuth2AccessToken
	case c.XOAuth2RequestURL != "":
		return AuthXOAuth2Refresh
	default:
		return AuthPassword
	}
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := splitKV(line)
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: malformed line %q", path, lineNo, line)
		}
		if err := cfg.set(key, val); err != nil {
			return nil, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitKV(line string) (key, val string, ok bool) {
	idx := strings.IndexByte(line, '=')
	if idx < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(line[:idx]))
	val = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, val, true
}

func (c *Config) set(key, val string) error {
	switch key {
	case "server":
		c.Server = val
	case "port":
		p, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		c.Port = p
	case "ssl":
		c.SSL = truthy(val)
	case "starttls":
		c.StartTLS = truthy(val)
	case "user":
		c.User = val
	case "pass":
		c.Pass = val
	case "xoauth2_access_token":
		c.XOAuth2AccessToken = val
	case "xoauth2_request_url":
		c.XOAuth2RequestURL = val
	case "xoauth2_client_id":
		c.XOAuth2ClientID = val
	case "xoauth2_client_secret":
		c.XOAuth2ClientSecret = val
	case "xoauth2_refresh_token":
		c.XOAuth2RefreshToken = val
	case "folder":
		c.Folder = val
	case "folder_flag":
		c.FolderFlag = val
	case "command":
		c.Command = val
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func (c *Config) validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: missing required key \"server\"")
	}
	if c.User == "" {
		return fmt.Errorf("config: missing required key \"user\"")
	}

	authCount := 0
	if c.Pass != "" {
		authCount++
	}
	if c.XOAuth2RequestURL != "" {
		authCount++
	}
	if c.XOAuth2AccessToken != "" {
		authCount++
	}
	if authCount != 1 {
		return fmt.Errorf("config: exactly one of pass, xoauth2_request_url, xoauth2_access_token must be set (got %d)", authCount)
	}

	if c.XOAuth2RequestURL != "" {
		if c.XOAuth2ClientID == "" || c.XOAuth2ClientSecret == "" || c.XOAuth2RefreshToken == "" {
			return fmt.Errorf("config: xoauth2_request_url requires xoauth2_client_id, xoauth2_client_secret, and xoauth2_refresh_token")
		}
	}

	if c.Folder == "" && c.FolderFlag == "" {
		return fmt.Errorf("config: one of folder or folder_flag must be set")
	}

	if c.SSL && c.StartTLS {
		return fmt.Errorf("config: ssl and starttls are mutually exclusive")
	}

	if c.Port == 0 {
		if c.SSL {
			c.Port = 993
		} else {
			c.Port = 143
		}
	}

	return nil
}
