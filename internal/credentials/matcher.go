package credentials

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

// RequestEvent is an outgoing request observed by the browsing surface host
type RequestEvent struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Header returns a header value, ignoring case
func (ev RequestEvent) Header(name string) string {
	if v, ok := ev.Headers[name]; ok {
		return v
	}
	for k, v := range ev.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Matcher selects the request that carries a platform's credentials
type Matcher struct {
	// Name is the bundle file base name, e.g. "twitterCredentials"
	Name string
	// Patterns are URL match patterns like "*://*.x.com/*"
	Patterns []string
	// Filter optionally narrows matching requests further
	Filter func(RequestEvent) bool
	// Required lists headers that must all be present
	Required []string
	// Extract builds the bundle. Defaults to copying the required headers.
	Extract func(RequestEvent) (domain.CredentialBundle, bool)

	once     sync.Once
	compiled []*regexp.Regexp
}

// Matches reports whether rawURL satisfies one of the patterns
func (m *Matcher) Matches(rawURL string) bool {
	m.once.Do(func() {
		for _, p := range m.Patterns {
			m.compiled = append(m.compiled, compilePattern(p))
		}
	})
	for _, re := range m.compiled {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Bundle returns the credential bundle carried by ev, if ev qualifies
func (m *Matcher) Bundle(ev RequestEvent) (domain.CredentialBundle, bool) {
	if !m.Matches(ev.URL) {
		return nil, false
	}
	if m.Filter != nil && !m.Filter(ev) {
		return nil, false
	}
	for _, h := range m.Required {
		if ev.Header(h) == "" {
			return nil, false
		}
	}
	if m.Extract != nil {
		return m.Extract(ev)
	}
	b := make(domain.CredentialBundle, len(m.Required))
	for _, h := range m.Required {
		b[strings.ToLower(h)] = ev.Header(h)
	}
	return b, true
}

// compilePattern turns "<scheme>://<host>/<path>" into a regexp. A host of
// "*.example.com" also matches the bare domain.
func compilePattern(pattern string) *regexp.Regexp {
	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return regexp.MustCompile("^" + globToRegexp(pattern) + "$")
	}
	host, path, _ := strings.Cut(rest, "/")

	var b strings.Builder
	b.WriteString("^")
	if scheme == "*" {
		b.WriteString("https?")
	} else {
		b.WriteString(regexp.QuoteMeta(scheme))
	}
	b.WriteString("://")
	switch {
	case host == "*":
		b.WriteString("[^/]+")
	case strings.HasPrefix(host, "*."):
		b.WriteString("([^/]+\\.)?")
		b.WriteString(regexp.QuoteMeta(host[2:]))
	default:
		b.WriteString(regexp.QuoteMeta(host))
	}
	b.WriteString("(:[0-9]+)?/")
	b.WriteString(globToRegexp(path))
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func globToRegexp(glob string) string {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, ".*")
}

// Bundle field names written by the built-in matchers
const (
	KeyAuthorization  = "authorization"
	KeyCookie         = "cookie"
	KeyCSRFToken      = "csrfToken"
	KeyBookmarksAPIID = "bookmarksApiId"
	KeyFeatures       = "features"
	KeySpaceID        = "spaceId"
	KeyTimeZone       = "timeZone"
)

var bookmarksAPIRe = regexp.MustCompile(`https://x\.com/i/api/graphql/([^/]+)/Bookmarks\?`)

// XBookmarks captures the GraphQL bookmarks query credentials
func XBookmarks() *Matcher {
	return &Matcher{
		Name:     "twitterCredentials",
		Patterns: []string{"*://*.twitter.com/*", "*://*.x.com/*"},
		Filter: func(ev RequestEvent) bool {
			return strings.Contains(ev.URL, "/Bookmarks?variables")
		},
		Required: []string{"authorization", "cookie", "x-csrf-token"},
		Extract: func(ev RequestEvent) (domain.CredentialBundle, bool) {
			m := bookmarksAPIRe.FindStringSubmatch(ev.URL)
			if m == nil {
				return nil, false
			}
			u, err := url.Parse(ev.URL)
			if err != nil {
				return nil, false
			}
			features := u.Query().Get("features")
			if features == "" {
				return nil, false
			}
			return domain.CredentialBundle{
				KeyBookmarksAPIID: m[1],
				KeyFeatures:       features,
				KeyAuthorization:  ev.Header("authorization"),
				KeyCookie:         ev.Header("cookie"),
				KeyCSRFToken:      ev.Header("x-csrf-token"),
			}, true
		},
	}
}

// Notion captures the workspace API cookie and space id. timeZone is the
// IANA zone recorded alongside, used for export requests.
func Notion(timeZone string) *Matcher {
	return &Matcher{
		Name:     "notionCredentials",
		Patterns: []string{"*://*.notion.so/api/v3*"},
		Required: []string{"cookie", "x-notion-space-id"},
		Extract: func(ev RequestEvent) (domain.CredentialBundle, bool) {
			return domain.CredentialBundle{
				KeyCookie:   ev.Header("cookie"),
				KeySpaceID:  ev.Header("x-notion-space-id"),
				KeyTimeZone: timeZone,
			}, true
		},
	}
}
