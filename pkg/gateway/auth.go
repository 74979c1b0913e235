package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/types"
)

const sessionTTL = 24 * time.Hour

// principal is the authenticated caller attached to the request context.
// TokenID is empty for JWT sessions.
type principal struct {
	UserID  string
	Email   string
	Scopes  []string
	TokenID string
}

type principalKey struct{}

func principalFrom(ctx context.Context) (*principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*principal)
	return p, ok
}

// hasScope implements the scope algebra: full wildcard, literal match, or
// a category wildcard "{category}:*".
func hasScope(scopes []string, required string) bool {
	category := required
	if i := strings.IndexByte(required, ':'); i >= 0 {
		category = required[:i]
	}
	for _, s := range scopes {
		if s == "*" || s == required || s == category+":*" {
			return true
		}
	}
	return false
}

// sessionClaims is the portal JWT payload.
type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// issueSession signs a portal session JWT for a user.
func (g *Gateway) issueSession(user *types.User) (string, error) {
	claims := sessionClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(g.cfg.PortalSecret))
}

// parseSession validates a portal JWT. Sessions carry full access.
func (g *Gateway) parseSession(raw string) (*principal, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(g.cfg.PortalSecret), nil
	})
	if err != nil {
		return nil, err
	}
	return &principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Scopes: []string{"*"},
	}, nil
}

// authenticate resolves the bearer credential: a pk_ API token by hash
// lookup, anything else as a portal session JWT.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeDetail(w, http.StatusUnauthorized, "missing bearer credential")
			return
		}

		var p *principal
		if strings.HasPrefix(raw, "pk_") {
			tok, err := g.Store.GetAPITokenByHash(security.HashToken(raw))
			if err != nil {
				writeDetail(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !tok.Active || tok.Expired(time.Now()) {
				writeDetail(w, http.StatusUnauthorized, "token inactive or expired")
				return
			}
			tok.LastUsedAt = time.Now()
			if err := g.Store.UpdateAPIToken(tok); err != nil {
				log.Errorf("Failed to record token use", err)
			}
			p = &principal{
				UserID:  tok.CreatedByUserID,
				Scopes:  tok.Scopes,
				TokenID: tok.ID,
			}
		} else {
			var err error
			p, err = g.parseSession(raw)
			if err != nil {
				writeDetail(w, http.StatusUnauthorized, "invalid session")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// requireScope rejects callers whose scope set does not cover the
// endpoint's requirement. The detail names the missing scope.
func (g *Gateway) requireScope(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principalFrom(r.Context())
			if !ok {
				writeDetail(w, http.StatusUnauthorized, "missing bearer credential")
				return
			}
			if !hasScope(p.Scopes, required) {
				writeDetail(w, http.StatusForbidden, "scope "+required+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireJWT restricts an endpoint to portal sessions; API tokens are
// rejected regardless of scopes.
func requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "missing bearer credential")
			return
		}
		if p.TokenID != "" {
			writeDetail(w, http.StatusForbidden, "portal session required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
