package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/splax/statusboard/pkg/crypto"
	"github.com/splax/statusboard/pkg/jwt"
)

const (
	adminSubject = "admin"
	writeScope   = "catalog:write"
)

type authContextKey string

type authInfo struct {
	Subject string
	Scope   string
}

const contextKeyAuth authContextKey = "statusboard-auth-info"

var errInvalidCredentials = errors.New("invalid credentials")

type contextSetter interface {
	SetContext(context.Context)
}

// Authenticator issues and checks bearer tokens for mutating routes. The
// zero value, or one without a secret, disables authentication.
type Authenticator struct {
	secret       string
	passwordHash []byte
	ttl          time.Duration
}

// NewAuthenticator returns nil when secret is empty.
func NewAuthenticator(secret, passwordHash string, ttl time.Duration) *Authenticator {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: secret, passwordHash: []byte(passwordHash), ttl: ttl}
}

func (a *Authenticator) enabled() bool {
	return a != nil && a.secret != ""
}

// IssueToken exchanges the admin password for an access token.
func (a *Authenticator) IssueToken(password string) (string, time.Duration, error) {
	if !a.enabled() || len(a.passwordHash) == 0 {
		return "", 0, errInvalidCredentials
	}
	if err := crypto.ComparePassword(a.passwordHash, password); err != nil {
		return "", 0, errInvalidCredentials
	}
	token, err := jwt.GenerateToken(adminSubject, writeScope, a.secret, a.ttl)
	if err != nil {
		return "", 0, err
	}
	return token, a.ttl, nil
}

func (a *Authenticator) authorize(token string) (authInfo, error) {
	claims, err := jwt.Parse(token, a.secret)
	if err != nil {
		return authInfo{}, err
	}
	if claims.Scope != writeScope {
		return authInfo{}, errors.New("token scope does not allow writes")
	}
	return authInfo{Subject: claims.Subject, Scope: claims.Scope}, nil
}

// requireAuth ensures mutating requests carry a valid bearer token. Reads
// pass through, as does everything when authentication is disabled.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.auth.enabled() || req.Method == http.MethodGet || req.Method == http.MethodHead {
			next(w, req)
			return
		}
		ctx, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), false
	}
	info, err := r.auth.authorize(token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), false
	}
	return context.WithValue(req.Context(), contextKeyAuth, info), true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
