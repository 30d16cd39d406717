package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Query parameters that never change what a page says
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"dclid":   true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"igshid":  true,
	"ref_src": true,
}

// NormalizeSubject reduces a page reference to its canonical form so that
// cosmetic variants of one URL share a cache entry.
func NormalizeSubject(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty subject reference")
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid subject reference: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		// Not a URL; treat it as an opaque identifier
		return strings.ToLower(ref), nil
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	if u.Path == "" {
		u.Path = "/"
	} else if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}
	u.RawPath = ""

	q := u.Query()
	for key := range q {
		lk := strings.ToLower(key)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			q.Del(key)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		values := q[k]
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	u.RawQuery = strings.Join(parts, "&")
	u.ForceQuery = false

	return u.String(), nil
}

// SubjectHash is the cache key for a normalized subject reference
func SubjectHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ContentFingerprint hashes document text with whitespace collapsed
func ContentFingerprint(content string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(content), " ")))
	return hex.EncodeToString(sum[:])
}

// LanguageMatcher resolves requested language codes to the supported set
type LanguageMatcher struct {
	supported []language.Tag
	bases     map[string]string
	fallback  string
}

// NewLanguageMatcher builds a matcher; the first code is the fallback unless def is set
func NewLanguageMatcher(codes []string, def string) *LanguageMatcher {
	m := &LanguageMatcher{bases: make(map[string]string)}
	for _, code := range codes {
		tag, err := language.Parse(code)
		if err != nil {
			continue
		}
		base, _ := tag.Base()
		m.supported = append(m.supported, tag)
		m.bases[base.String()] = base.String()
	}
	if def != "" {
		if tag, err := language.Parse(def); err == nil {
			base, _ := tag.Base()
			m.fallback = base.String()
		}
	}
	if m.fallback == "" && len(m.supported) > 0 {
		base, _ := m.supported[0].Base()
		m.fallback = base.String()
	}
	return m
}

// Resolve maps a requested code ("en-US", "PT", "") to a supported base language.
// An empty request resolves to the fallback; an unsupported one is an error.
func (m *LanguageMatcher) Resolve(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return m.fallback, nil
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", code, err)
	}
	base, _ := tag.Base()
	if lang, ok := m.bases[base.String()]; ok {
		return lang, nil
	}
	return "", fmt.Errorf("unsupported language %q", code)
}

// Supported returns the configured base languages
func (m *LanguageMatcher) Supported() []string {
	out := make([]string, 0, len(m.bases))
	seen := make(map[string]bool, len(m.bases))
	for _, tag := range m.supported {
		base, _ := tag.Base()
		if !seen[base.String()] {
			seen[base.String()] = true
			out = append(out, base.String())
		}
	}
	return out
}
