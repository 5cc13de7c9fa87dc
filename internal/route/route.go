// Package route maps a request path's routing token to a rewrite rule and
// composes the outbound target URL. Everything here is a pure function over
// the configuration snapshot the caller supplies.
package route

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/wudi/authgate/internal/config"
	"github.com/wudi/authgate/internal/errors"
)

// Resolve splits path into routing token and remainder and looks the token
// up in cfg's rewrite rules. The returned target path is everything after
// the token, preserving the leading slash semantics of the original path.
func Resolve(path string, cfg *config.Config) (config.RewriteRule, string, *errors.GateError) {
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[1] == "" {
		return config.RewriteRule{}, "", errors.ErrMalformedPath
	}
	token := segments[1]

	rule, ok := cfg.RewriteRules[token]
	if !ok {
		return config.RewriteRule{}, "", errors.ErrUnknownRoute.WithMessage(
			fmt.Sprintf("Couldn't find rewrite rule for '%s'", token))
	}

	targetPath := path[len(token)+1:]
	return rule, targetPath, nil
}

// TargetURL composes the backend URL from a resolved rule, target path, and
// the original raw query.
func TargetURL(rule config.RewriteRule, targetPath, rawQuery string) (*url.URL, *errors.GateError) {
	spec := rule.Protocol + "://" + rule.Addr() + targetPath
	if rawQuery != "" {
		spec = spec + "?" + rawQuery
	}

	u, err := url.Parse(spec)
	if err != nil || u.Hostname() == "" {
		return nil, errors.ErrBadTargetURL.WithMessage("Failed to construct URL from " + spec)
	}
	return u, nil
}
