// Package config holds the gateway configuration snapshot. A snapshot is
// immutable once parsed; reloads build a new value and swap it atomically,
// so an in-flight request keeps whatever snapshot it read at entry.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ServiceAuth is the reserved routing token for the auth service; together
// with the configured default service it may never appear as a rewrite token.
const ServiceAuth = "auth"

// Operation names resolved against a service dependency's path templates.
const (
	OpCheck = "check"
	OpSign  = "sign"
)

// RewriteRule binds a routing token to a backend target.
type RewriteRule struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// Addr returns the rule's host:port.
func (r RewriteRule) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ServiceDependency describes an internally addressed collaborator service.
type ServiceDependency struct {
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	PathTemplates map[string]string `json:"pathTemplates"`
}

// RequestPath resolves the path for a named operation, or "" when the
// operation is not configured.
func (s ServiceDependency) RequestPath(op string) string {
	return s.PathTemplates[op]
}

// URL composes the base URL for an operation against this dependency.
func (s ServiceDependency) URL(op string) string {
	return "http://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) + s.RequestPath(op)
}

// SSLConfig carries the TLS material for the inbound listener and outbound
// https backends. Key store and trust store are PEM bundles: the key store
// holds the server certificate and private key, the trust store holds CA
// certificates for backend verification. Passwords are accepted for
// compatibility with the legacy config shape and ignored for PEM material.
type SSLConfig struct {
	KeyStorePath       string `json:"keyStorePath"`
	KeyStorePassword   string `json:"keyStorePassword"`
	TrustStorePath     string `json:"trustStorePath"`
	TrustStorePassword string `json:"trustStorePassword"`
	ProxyHTTPSPort     int    `json:"proxyHttpsPort"`
}

// AdminConfig configures the optional admin listener (health + metrics).
type AdminConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Config is one immutable configuration snapshot.
type Config struct {
	RewriteRules        map[string]RewriteRule       `json:"rewriteRules"`
	Assets              []string                     `json:"assets"`
	DefaultService      string                       `json:"defaultService"`
	MaxPayloadSizeBytes int64                        `json:"maxPayloadSizeBytesInNumber"`
	ServiceDependencies map[string]ServiceDependency `json:"serviceDependencies"`
	SSL                 SSLConfig                    `json:"ssl"`
	LoginPagePath       string                       `json:"loginPagePath"`
	Admin               AdminConfig                  `json:"admin"`
	Logging             LoggingConfig                `json:"logging"`
}

// Auth returns the auth service dependency.
func (c *Config) Auth() ServiceDependency {
	return c.ServiceDependencies[ServiceAuth]
}

// IsAsset reports whether path is one of the configured asset bypass paths
// ("/.<asset>" for each configured asset).
func (c *Config) IsAsset(path string) bool {
	for _, asset := range c.Assets {
		if path == "/."+asset {
			return true
		}
	}
	return false
}

// Parse deserializes and validates raw configuration bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.RewriteRules) == 0 {
		return fmt.Errorf("no rewrite rules configured")
	}
	if c.DefaultService == "" {
		return fmt.Errorf("defaultService is required")
	}
	if c.MaxPayloadSizeBytes <= 0 {
		return fmt.Errorf("maxPayloadSizeBytesInNumber must be positive")
	}

	for token, rule := range c.RewriteRules {
		// "auth" is reserved for the handshake endpoint. The default
		// service token is the one exception: it must resolve somewhere.
		if token == ServiceAuth {
			return fmt.Errorf("rewrite token %q collides with the reserved auth route", token)
		}
		if rule.Protocol != "http" && rule.Protocol != "https" {
			return fmt.Errorf("rewrite rule %q: unsupported protocol %q", token, rule.Protocol)
		}
		if rule.Host == "" {
			return fmt.Errorf("rewrite rule %q: host is required", token)
		}
		if rule.Port <= 0 || rule.Port > 65535 {
			return fmt.Errorf("rewrite rule %q: invalid port %d", token, rule.Port)
		}
	}

	// An asset bypass path goes through rewrite resolution like any other
	// request, so each asset needs a ".<asset>" rule to land anywhere.
	for _, asset := range c.Assets {
		if _, ok := c.RewriteRules["."+asset]; !ok {
			return fmt.Errorf("asset %q has no matching %q rewrite rule", asset, "."+asset)
		}
	}

	auth, ok := c.ServiceDependencies[ServiceAuth]
	if !ok {
		return fmt.Errorf("serviceDependencies must include %q", ServiceAuth)
	}
	if auth.Host == "" || auth.Port <= 0 {
		return fmt.Errorf("auth service dependency needs host and port")
	}
	for _, op := range []string{OpCheck, OpSign} {
		p := auth.RequestPath(op)
		if p == "" {
			return fmt.Errorf("auth service dependency is missing the %q path template", op)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("auth path template %q must start with /", op)
		}
	}

	return nil
}
