package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/broker"
)

type contextKey string

// AuthInfoContextKey is the request context key for the verified *broker.AuthInfo.
const AuthInfoContextKey contextKey = "auth_info"

const maxPromotedBody = 1 << 20

// TokenVerifier resolves bearer tokens.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*broker.AuthInfo, error)
}

// AuthMiddleware requires a valid broker access token on every request.
type AuthMiddleware struct {
	verifier            TokenVerifier
	resourceMetadataURL string
	logger              *zap.Logger
}

// RequireBearer creates the bearer authentication middleware. Failed requests
// get a WWW-Authenticate challenge pointing at resourceMetadataURL.
func RequireBearer(verifier TokenVerifier, resourceMetadataURL string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:            verifier,
		resourceMetadataURL: resourceMetadataURL,
		logger:              logger,
	}
}

// Handler wraps an HTTP handler with authentication.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS preflight
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if err := PromoteBodyAuthorization(r); err != nil {
			m.unauthorized(w, "invalid_request", "Unreadable request body", http.StatusBadRequest)
			return
		}

		token := ExtractTokenFromHeader(r)
		if token == "" {
			m.unauthorized(w, "invalid_token", "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		info, err := m.verifier.VerifyAccessToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, broker.ErrInvalidToken) {
				m.unauthorized(w, "invalid_token", "Invalid or expired access token", http.StatusUnauthorized)
				return
			}
			m.logger.Error("Token verification failed", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), AuthInfoContextKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandlerFunc wraps an HTTP handler function with authentication.
func (m *AuthMiddleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

func (m *AuthMiddleware) unauthorized(w http.ResponseWriter, code, description string, status int) {
	challenge := fmt.Sprintf(`Bearer error=%q, error_description=%q`, code, description)
	if m.resourceMetadataURL != "" {
		challenge += fmt.Sprintf(`, resource_metadata=%q`, m.resourceMetadataURL)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// AuthInfoFromContext returns the verified token info stored by the middleware.
func AuthInfoFromContext(ctx context.Context) (*broker.AuthInfo, bool) {
	info, ok := ctx.Value(AuthInfoContextKey).(*broker.AuthInfo)
	return info, ok && info != nil
}

// ExtractTokenFromHeader extracts the bearer token from the Authorization header.
func ExtractTokenFromHeader(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// PromoteBodyAuthorization moves an "Authorization" field of a JSON body into
// the Authorization header when the header is absent, as Power Platform
// connectors send it. The field and "SkipAuthorization" are removed from the
// body that downstream handlers see.
func PromoteBodyAuthorization(r *http.Request) error {
	if r.Header.Get("Authorization") != "" || r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPromotedBody))
	_ = r.Body.Close()
	if err != nil {
		return err
	}
	restore := func(body []byte) {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Not an object; leave it for the handler.
		restore(raw)
		return nil
	}
	var header string
	if err := json.Unmarshal(fields["Authorization"], &header); err != nil || header == "" {
		restore(raw)
		return nil
	}

	r.Header.Set("Authorization", header)
	delete(fields, "Authorization")
	delete(fields, "SkipAuthorization")
	stripped, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	restore(stripped)
	return nil
}
