// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// EmailDomainPolicy restricts which email domains may register.
//
// Patterns use gobwas/glob with '.' as the label separator:
//   - "example.com" matches exactly that domain
//   - "*.example.com" matches one subdomain level (a.example.com)
//   - "**.example.com" matches any depth of subdomain
//
// A nil or empty policy allows every domain.
type EmailDomainPolicy struct {
	patterns []string
	globs    []glob.Glob
}

// NewEmailDomainPolicy compiles patterns. Patterns are matched case-insensitively.
func NewEmailDomainPolicy(patterns []string) (*EmailDomainPolicy, error) {
	p := &EmailDomainPolicy{}
	for _, raw := range patterns {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.Code("AUTH_INVALID_DOMAIN_PATTERN").With("pattern", raw).Wrap(err)
		}
		p.patterns = append(p.patterns, pattern)
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// Allows reports whether a normalized email address may register.
func (p *EmailDomainPolicy) Allows(email string) bool {
	if p == nil || len(p.globs) == 0 {
		return true
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, g := range p.globs {
		if g.Match(domain) {
			return true
		}
	}
	return false
}

// Patterns returns the compiled patterns in order.
func (p *EmailDomainPolicy) Patterns() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.patterns...)
}
