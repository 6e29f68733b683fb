/*
Identity Resolution
Maps every HTTP request (including socket upgrade requests) to an owner:
a verified bearer token yields a user principal, everything else an
anonymous one. Verification failures never bounce a request; they fall
back to anonymous.
*/

package identity

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tracel/backend/internal/config"
	"github.com/tracel/backend/internal/core"
)

// AnonIDHeader carries the anonymous id for clients that cannot send
// cookies (native apps, the loadtest tool).
const AnonIDHeader = "X-Tracel-Anon-Id"

const anonCookieMaxAge = 365 * 24 * int(time.Hour/time.Second)

// Kind distinguishes authenticated users from anonymous visitors.
type Kind string

const (
	KindUser Kind = "user"
	KindAnon Kind = "anon"
)

// Principal is the resolved caller identity attached to a request.
type Principal struct {
	OwnerID string `json:"owner_id"`
	Kind    Kind   `json:"kind"`
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// Resolver turns requests into principals. Safe for concurrent use.
type Resolver struct {
	keys       *KeySet // nil when no JWKS endpoint is configured
	issuer     string
	adminEmail string
	cookieName string
	logger     *log.Logger
}

type bearerClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// NewResolver builds a resolver from the identity section of the config.
// Without a JWKS URL every bearer token is treated as unverifiable.
func NewResolver(cfg config.IdentityConfig) *Resolver {
	var keys *KeySet
	if cfg.JWKSURL != "" {
		keys = NewKeySet(cfg.JWKSURL)
	}
	cookieName := cfg.AnonCookieName
	if cookieName == "" {
		cookieName = "tracel_anon_id"
	}
	r := &Resolver{
		keys:       keys,
		issuer:     cfg.Issuer,
		adminEmail: cfg.AdminEmail,
		cookieName: cookieName,
		logger:     log.New(log.Writer(), "[IDENTITY] ", log.LstdFlags),
	}
	if r.keys == nil {
		r.logger.Println("⚠️ no JWKS endpoint configured, bearer tokens will not be verified")
	}
	return r
}

// Resolve maps the request to a principal. Order: valid bearer token,
// anon cookie, anon header, freshly minted anon id. It never fails.
func (r *Resolver) Resolve(req *http.Request) Principal {
	if p, ok := r.resolveBearer(req); ok {
		resolutions.WithLabelValues(string(KindUser)).Inc()
		return p
	}

	resolutions.WithLabelValues(string(KindAnon)).Inc()
	if id := sanitizeAnonID(r.cookieValue(req)); id != "" {
		return anonPrincipal(id)
	}
	if id := sanitizeAnonID(req.Header.Get(AnonIDHeader)); id != "" {
		return anonPrincipal(id)
	}
	return anonPrincipal(uuid.NewString())
}

// ResolveHeaders resolves a principal from bare headers, for socket
// handshakes where no *http.Request survives the upgrade.
func (r *Resolver) ResolveHeaders(h http.Header) Principal {
	return r.Resolve(&http.Request{Header: h})
}

// EnsureAnon resolves the request and, for anonymous callers without a
// cookie, sets one so the owner id survives across visits. Used by the
// session endpoint.
func (r *Resolver) EnsureAnon(w http.ResponseWriter, req *http.Request) Principal {
	if p, ok := r.resolveBearer(req); ok {
		resolutions.WithLabelValues(string(KindUser)).Inc()
		return p
	}

	resolutions.WithLabelValues(string(KindAnon)).Inc()
	if id := sanitizeAnonID(r.cookieValue(req)); id != "" {
		return anonPrincipal(id)
	}

	id := sanitizeAnonID(req.Header.Get(AnonIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     r.cookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   anonCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   req.TLS != nil,
	})
	return anonPrincipal(id)
}

func (r *Resolver) cookieValue(req *http.Request) string {
	c, err := req.Cookie(r.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (r *Resolver) resolveBearer(req *http.Request) (Principal, bool) {
	raw := bearerToken(req)
	if raw == "" {
		return Principal{}, false
	}
	if r.keys == nil {
		tokenFailures.Inc()
		return Principal{}, false
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &bearerClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, r.keyFunc(req), opts...)
	if err != nil {
		tokenFailures.Inc()
		return Principal{}, false
	}
	if claims.Subject == "" {
		tokenFailures.Inc()
		return Principal{}, false
	}

	return Principal{
		OwnerID: core.UserOwner(claims.Subject),
		Kind:    KindUser,
		Email:   claims.Email,
		IsAdmin: r.adminEmail != "" && strings.EqualFold(claims.Email, r.adminEmail),
	}, true
}

func (r *Resolver) keyFunc(req *http.Request) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errMissingKid
		}
		return r.keys.Key(req.Context(), kid)
	}
}

func anonPrincipal(id string) Principal {
	return Principal{OwnerID: core.AnonOwner(id), Kind: KindAnon}
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// sanitizeAnonID rejects ids that could not have come from our own mint:
// empty, oversized, or containing anything beyond [A-Za-z0-9._-].
func sanitizeAnonID(id string) string {
	if id == "" || len(id) > 128 {
		return ""
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return ""
		}
	}
	return id
}
