// Package envelope carries session identity and the CSRF witness across the
// trusted sibling origins: two cookies scoped to the parent domain, plus the
// CORS and security response headers every authorization response must wear.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"copyforge/backend/internal/security"
)

// Cookie and header names of the envelope.
const (
	SessionCookie = "session"
	CSRFCookie    = "csrf"
	CSRFHeader    = "X-CSRF-Token"
)

// csp never allows inline script; the frontends ship their own bundles.
const csp = "default-src 'none'; script-src 'self'; style-src 'self'; img-src 'self' data:; connect-src 'self'; frame-ancestors 'none'; base-uri 'none'; form-action 'self'"

// Envelope encodes and decodes the cross-origin cookie envelope.
type Envelope struct {
	parentDomain   string
	trustedOrigins map[string]bool
	cookieMaxAge   int
}

// New returns an Envelope. parentDomain is the shared cookie domain (e.g.
// "example.com"); trustedOrigins is the exact-match CORS allow-list.
func New(parentDomain string, trustedOrigins []string, cookieMaxAge int) *Envelope {
	allowed := make(map[string]bool, len(trustedOrigins))
	for _, o := range trustedOrigins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
	}
	return &Envelope{parentDomain: parentDomain, trustedOrigins: allowed, cookieMaxAge: cookieMaxAge}
}

// Apply sets the security and CORS response headers for the given request
// origin. The allow-origin header is only ever a trusted origin, never "*",
// because responses carry credentials.
func (e *Envelope) Apply(w http.ResponseWriter, origin string) {
	h := w.Header()
	h.Set("Content-Security-Policy", csp)
	h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Embedder-Policy", "require-corp")
	h.Set("Cache-Control", "no-store")
	h.Add("Vary", "Origin")
	if origin != "" && e.trustedOrigins[strings.TrimRight(origin, "/")] {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+CSRFHeader)
		h.Set("Access-Control-Max-Age", "600")
	}
}

// SetAuthCookies emits the session handle and CSRF witness as parent-domain
// cookies. The session cookie is HttpOnly; the csrf cookie must stay readable
// by JS so the client can echo it as a header.
func (e *Envelope) SetAuthCookies(w http.ResponseWriter, handle, csrfToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    handle,
		Domain:   e.cookieDomain(),
		Path:     "/",
		MaxAge:   e.cookieMaxAge,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    csrfToken,
		Domain:   e.cookieDomain(),
		Path:     "/",
		MaxAge:   e.cookieMaxAge,
		Secure:   true,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearAuthCookies expires both cookies.
func (e *Envelope) ClearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookie, CSRFCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Domain:   e.cookieDomain(),
			Path:     "/",
			MaxAge:   -1,
			Secure:   true,
			HttpOnly: name == SessionCookie,
		})
	}
}

// SessionHandle returns the session handle from the request cookies, if any.
func (e *Envelope) SessionHandle(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// CSRFValid reports whether the CSRF header echoes the csrf cookie.
// Constant-time; both must be present and non-empty.
func (e *Envelope) CSRFValid(r *http.Request) bool {
	c, err := r.Cookie(CSRFCookie)
	if err != nil || c.Value == "" {
		return false
	}
	header := r.Header.Get(CSRFHeader)
	if header == "" {
		return false
	}
	return security.ConstantTimeEqual(c.Value, header)
}

func (e *Envelope) cookieDomain() string {
	if e.parentDomain == "" {
		return ""
	}
	return "." + e.parentDomain
}

// ClientIP returns the client IP from X-Forwarded-For, X-Real-Ip, or the
// remote address, or "unknown".
func ClientIP(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); s != "" {
		if i := strings.Index(s, ","); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
		if s != "" {
			return s
		}
	}
	if s := strings.TrimSpace(r.Header.Get("X-Real-Ip")); s != "" {
		return s
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// UserAgentHash returns a short hash of the User-Agent header; raw UA strings
// are never persisted.
func UserAgentHash(r *http.Request) string {
	ua := r.Header.Get("User-Agent")
	if ua == "" {
		return ""
	}
	h := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(h[:8])
}
