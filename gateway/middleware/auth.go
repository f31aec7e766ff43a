package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Scopes granted to notegate API tokens.
const (
	ScopeNotesWrite    = "notes:write"
	ScopeWalletControl = "wallet:control"
)

// AuthConfig configures bearer token verification. Tokens are HS256 JWTs carrying a
// space separated "scope" claim.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	// AllowAnonymousReads lets requests without a token through routes that require no scope.
	AllowAnonymousReads bool
	ClockSkew           time.Duration
}

// Claims is the token payload notegate understands.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScopes reports whether every scope in required was granted.
func (c *Claims) HasScopes(required ...string) bool {
	granted := make(map[string]struct{})
	for _, scope := range c.Scopes() {
		granted[scope] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := granted[scope]; !ok {
			return false
		}
	}
	return true
}

type claimsKey struct{}

// ClaimsFromContext returns the verified claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// SubjectFromContext returns the authenticated token subject, if any.
func SubjectFromContext(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.Subject
	}
	return ""
}

var errNoSecret = errors.New("auth: hmac secret not configured")

// Authenticator verifies bearer tokens.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	parser *jwt.Parser
	logger *slog.Logger
}

// NewAuthenticator builds a verifier. ClockSkew defaults to two minutes.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		parser: jwt.NewParser(opts...),
		logger: logger.With("component", "auth"),
	}
}

// Verify parses and validates a raw token.
func (a *Authenticator) Verify(raw string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errNoSecret
	}
	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware rejects requests without a valid token granting every required scope.
func (a *Authenticator) Middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				if len(required) == 0 && a.cfg.AllowAnonymousReads {
					next.ServeHTTP(w, r)
					return
				}
				authError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := a.Verify(raw)
			if err != nil {
				a.logger.Warn("token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
				authError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !claims.HasScopes(required...) {
				a.logger.Warn("insufficient scope",
					slog.String("subject", claims.Subject),
					slog.String("path", r.URL.Path),
					slog.Any("required", required))
				authError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func authError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="notegate"`)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
