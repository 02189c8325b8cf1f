package rpc

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"embercoin/observability/logging"
)

// AuthConfig selects how mutating commands are authorized. A static token
// and a JWT secret may both be set; either form of credential is accepted.
// With neither configured the surface is open.
type AuthConfig struct {
	// Token is compared byte for byte against the bearer credential.
	Token string
	// JWTSecret enables HS256 token verification.
	JWTSecret string
	Issuer    string
	Audience  string
	// ScopeClaim names the claim carrying granted scopes, "scope" by
	// default.
	ScopeClaim string
	// RequiredScope must appear among the token's scopes when set.
	RequiredScope string
	ClockSkew     time.Duration
}

// Authenticator checks bearer credentials on mutating commands.
type Authenticator struct {
	token      []byte
	secret     []byte
	issuer     string
	audience   string
	scopeClaim string
	required   string
	skew       time.Duration
	logger     *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	a := &Authenticator{
		token:      []byte(strings.TrimSpace(cfg.Token)),
		secret:     []byte(strings.TrimSpace(cfg.JWTSecret)),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		scopeClaim: cfg.ScopeClaim,
		required:   cfg.RequiredScope,
		skew:       cfg.ClockSkew,
		logger:     logger,
	}
	if a.scopeClaim == "" {
		a.scopeClaim = "scope"
	}
	if a.skew <= 0 {
		a.skew = 2 * time.Minute
	}
	return a
}

func (a *Authenticator) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.Default()
}

// enabled reports whether any credential check is configured.
func (a *Authenticator) enabled() bool {
	return len(a.token) > 0 || len(a.secret) > 0
}

// Authorize validates the request's bearer credential. It returns nil when
// the caller is allowed.
func (a *Authenticator) Authorize(r *http.Request) *RPCError {
	if !a.enabled() {
		return nil
	}
	credential := extractBearer(r.Header.Get("Authorization"))
	if credential == "" {
		return rpcError(codeUnauthorized, "missing bearer token", nil)
	}
	if len(a.token) > 0 && subtle.ConstantTimeCompare([]byte(credential), a.token) == 1 {
		return nil
	}
	if len(a.secret) > 0 {
		if err := a.verifyJWT(credential); err == nil {
			return nil
		} else {
			a.log().Warn("rpc auth rejected",
				"remote", r.RemoteAddr,
				logging.MaskField("credential", credential),
				"error", err.Error(),
			)
		}
	}
	return rpcError(codeUnauthorized, "invalid credentials", nil)
}

func (a *Authenticator) verifyJWT(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.skew))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("claims not map")
	}
	if a.issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != a.issuer {
			return errors.New("issuer mismatch")
		}
	}
	if a.audience != "" {
		if !audienceMatches(claims["aud"], a.audience) {
			return errors.New("audience mismatch")
		}
	}
	if a.required != "" {
		scopes := extractScopes(claims, a.scopeClaim)
		if !hasScope(scopes, a.required) {
			return errors.New("insufficient scope")
		}
	}
	return nil
}

func audienceMatches(raw any, audience string) bool {
	switch val := raw.(type) {
	case string:
		return val == audience
	case []interface{}:
		for _, entry := range val {
			if s, ok := entry.(string); ok && s == audience {
				return true
			}
		}
	}
	return false
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(strings.TrimSpace(v))
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScope(scopes []string, required string) bool {
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
