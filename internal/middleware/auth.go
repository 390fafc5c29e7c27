package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"

	apperrors "wslicense/internal/errors"
	"wslicense/pkg/contracts/domain"
)

const (
	adminSubjectKey ctxKey = "admin-subject"
	tokenIssuer            = "wslicense-registry"
	adminRole              = "admin"
)

// WriteFailure writes the failure body the licence client understands
func WriteFailure(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.ActivateResponse{
		Success:   false,
		Message:   message,
		ErrorCode: code,
	})
}

// bearerToken extracts the token of an "Authorization: Bearer" header
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// BearerAuth admits requests carrying one of the configured static tokens.
// Tokens are compared in constant time.
func BearerAuth(tokens []string, logger *slog.Logger) func(next http.Handler) http.Handler {
	accepted := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || !matchToken(accepted, []byte(token)) {
				logger.WarnContext(r.Context(), "rejected unauthenticated request",
					slog.String("path", r.URL.Path),
					slog.String("remote_ip", ClientIP(r)),
					slog.Bool("token_present", ok),
				)
				WriteFailure(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "Missing or invalid API token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchToken(accepted [][]byte, token []byte) bool {
	match := 0
	for _, a := range accepted {
		match |= subtle.ConstantTimeCompare(a, token)
	}
	return match == 1
}

// AdminClaims are the claims of an admin session token
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and verifies HS256 admin tokens
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer signing with secret. Tokens live for ttl.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for subject
func (ti *TokenIssuer) Issue(subject string) (*domain.TokenResponse, error) {
	now := ti.now()
	expires := now.Add(ti.ttl)
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return nil, fmt.Errorf("sign admin token: %w", err)
	}
	return &domain.TokenResponse{Token: signed, ExpiresAt: expires.UTC()}, nil
}

// Verify parses token and checks its signature, issuer, lifetime and role
func (ti *TokenIssuer) Verify(token string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return ti.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	if claims.Role != adminRole {
		return nil, errors.New("verify admin token: missing admin role")
	}
	return claims, nil
}

// CheckCredentials compares a login attempt against the configured admin
// account in constant time.
func CheckCredentials(req domain.LoginRequest, username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(username))
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(password))
	if username == "" || password == "" || userOK&passOK != 1 {
		return apperrors.ErrInvalidCredentials
	}
	return nil
}

// AdminAuth admits requests with a valid admin bearer token. Rejections are
// rendered as problem details.
func AdminAuth(issuer *TokenIssuer, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r)
			if !ok {
				renderUnauthorized(w, r, "Missing admin token")
				return
			}
			claims, err := issuer.Verify(token)
			if err != nil {
				logger.WarnContext(ctx, "rejected admin token",
					slog.String("path", r.URL.Path),
					slog.String("remote_ip", ClientIP(r)),
					slog.String("error", err.Error()),
				)
				renderUnauthorized(w, r, "Invalid or expired admin token")
				return
			}
			ctx = context.WithValue(ctx, adminSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubject returns the authenticated admin user, if any
func AdminSubject(ctx context.Context) string {
	s, _ := ctx.Value(adminSubjectKey).(string)
	return s
}

func renderUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	p := apperrors.ProblemFromAPIError(
		apperrors.New(http.StatusUnauthorized, domain.ErrCodeUnauthorized, detail),
		r.URL.Path, GetRequestID(r.Context()),
	)
	_ = render.Render(w, r, p)
}
