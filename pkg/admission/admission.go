/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

// Package admission gates which source URLs the registry is willing to fetch
// from, and scrubs credentials out of URLs before they are logged or stored.
package admission

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultAllowedHosts are the sources the registry trusts out of the box.
var DefaultAllowedHosts = []string{
	"huggingface.co",
	"civitai.com",
	"127.0.0.1",
	"localhost",
}

// Query parameters that carry credentials and must never be persisted or
// logged.
var credentialParams = map[string]struct{}{
	"token":        {},
	"api_key":      {},
	"key":          {},
	"access_token": {},
}

// ForbiddenURLError reports a URL rejected by the policy.
type ForbiddenURLError struct {
	URL    string
	Reason string
}

func (e *ForbiddenURLError) Error() string {
	return fmt.Sprintf("url %q is not allowed: %s", e.URL, e.Reason)
}

// URLPolicy admits download URLs against a host allowlist. A pattern matches
// its own host and any subdomain of it, never a lookalike suffix.
type URLPolicy struct {
	allowed []string
}

// NewURLPolicy returns a URLPolicy for the given host patterns.
func NewURLPolicy(hosts []string) *URLPolicy {
	if len(hosts) == 0 {
		hosts = DefaultAllowedHosts
	}

	allowed := make([]string, 0, len(hosts))
	for _, host := range hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			allowed = append(allowed, host)
		}
	}

	return &URLPolicy{allowed: allowed}
}

// Admit parses a raw URL and checks it against the policy. Every redirect hop
// of a download must be admitted again with AdmitURL.
func (p *URLPolicy) Admit(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ForbiddenURLError{URL: Sanitize(raw), Reason: "not a valid url"}
	}

	if err = p.AdmitURL(u); err != nil {
		return nil, err
	}

	return u, nil
}

// AdmitURL checks an already parsed URL against the policy.
func (p *URLPolicy) AdmitURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ForbiddenURLError{URL: SanitizeURL(u), Reason: fmt.Sprintf("scheme %q is not supported", u.Scheme)}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &ForbiddenURLError{URL: SanitizeURL(u), Reason: "missing host"}
	}

	for _, pattern := range p.allowed {
		if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return nil
		}
	}

	return &ForbiddenURLError{URL: SanitizeURL(u), Reason: fmt.Sprintf("host %q is not in the allowlist", host)}
}

// Hosts returns the configured allowlist.
func (p *URLPolicy) Hosts() []string {
	return append([]string(nil), p.allowed...)
}

// Sanitize strips credential query parameters from a raw URL. The result is
// safe to log and to persist as an artifact source. Unparseable input loses
// its whole query string.
func Sanitize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			return raw[:i]
		}
		return raw
	}

	return SanitizeURL(u)
}

// SanitizeURL strips credential query parameters from a URL. The input is not
// modified.
func SanitizeURL(u *url.URL) string {
	if u.RawQuery == "" && u.User == nil {
		return u.String()
	}

	clean := *u
	clean.User = nil

	query := clean.Query()
	for name := range query {
		if _, ok := credentialParams[strings.ToLower(name)]; ok {
			query.Del(name)
		}
	}
	clean.RawQuery = query.Encode()

	return clean.String()
}
