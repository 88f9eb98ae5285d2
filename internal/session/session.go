// Package session manages candidate credential sessions: access tokens,
// CSRF tokens, and cookie jars presented upstream on the candidate's behalf.
package session

import (
	"strings"
	"time"
)

// SameSite mirrors the cookie SameSite attribute.
type SameSite string

// Supported SameSite values.
const (
	SameSiteLax    SameSite = "Lax"
	SameSiteStrict SameSite = "Strict"
	SameSiteNone   SameSite = "None"
)

// Cookie is a single normalized jar entry. Expired cookies are filtered on
// every read and are never presented upstream.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Expires  *time.Time `json:"expires,omitempty"`
	HTTPOnly bool       `json:"httpOnly"`
	Secure   bool       `json:"secure"`
	SameSite SameSite   `json:"sameSite"`
}

// Expired reports whether the cookie has an expiry in the past.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires != nil && c.Expires.Before(now)
}

// MatchesHost reports whether the cookie's domain suffix-matches the host.
func (c Cookie) MatchesHost(host string) bool {
	domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// CookieParam is an inbound, not-yet-normalized cookie. Boolean attributes
// are pointers so that "unset" can be distinguished from "false" and given
// their secure defaults.
type CookieParam struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Expires  *time.Time `json:"expires,omitempty"`
	HTTPOnly *bool      `json:"httpOnly,omitempty"`
	Secure   *bool      `json:"secure,omitempty"`
	SameSite SameSite   `json:"sameSite,omitempty"`
}

// NormalizeCookies drops entries missing name/value/domain or already
// expired, and applies defaults: path=/, httpOnly=true, secure=true,
// sameSite=Lax.
func NormalizeCookies(params []CookieParam, now time.Time) []Cookie {
	out := make([]Cookie, 0, len(params))
	for _, p := range params {
		if p.Name == "" || p.Value == "" || p.Domain == "" {
			continue
		}
		c := Cookie{
			Name:     p.Name,
			Value:    p.Value,
			Domain:   p.Domain,
			Path:     p.Path,
			Expires:  p.Expires,
			HTTPOnly: true,
			Secure:   true,
			SameSite: SameSiteLax,
		}
		if c.Expired(now) {
			continue
		}
		if c.Path == "" {
			c.Path = "/"
		}
		if p.HTTPOnly != nil {
			c.HTTPOnly = *p.HTTPOnly
		}
		if p.Secure != nil {
			c.Secure = *p.Secure
		}
		if p.SameSite != "" {
			c.SameSite = p.SameSite
		}
		out = append(out, c)
	}
	return out
}

// FilterCookies removes entries that expired since the jar was written.
func FilterCookies(cookies []Cookie, now time.Time) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CookiesForHost returns the live subset of the jar whose domain
// suffix-matches the target host.
func CookiesForHost(cookies []Cookie, host string, now time.Time) []Cookie {
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Expired(now) || !c.MatchesHost(host) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CandidateSession is the stored credential record for one candidate.
// It is only ever replaced whole; there is no partial update.
type CandidateSession struct {
	CandidateID string    `json:"candidateId"`
	AccessToken string    `json:"accessToken"`
	Cookies     []Cookie  `json:"cookies"`
	CSRF        string    `json:"csrf,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the record's TTL has elapsed.
func (s CandidateSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}
