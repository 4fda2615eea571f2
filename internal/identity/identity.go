// Package identity derives a connection's role, session id, and user id from
// the upgrade request.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/google/uuid"
)

const (
	SessionHeaderName = "X-Relay-Session-ID"
	UserHeaderName    = "X-Relay-User-ID"
	AnonymousUserID   = "anonymous"
)

type contextKey int

const paramsKey contextKey = iota

var (
	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidUserID    = errors.New("invalid user id")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Params are the connection parameters supplied at upgrade time.
type Params struct {
	Role      domain.Role
	SessionID string
	UserID    string
	Topics    []string
}

// ParseRole maps a role parameter onto a domain role. An empty value means
// an interactive client.
func ParseRole(s string) (domain.Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ui", "browser", "interactive":
		return domain.RoleInteractive, nil
	case "cli", "headless", "tool":
		return domain.RoleHeadless, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// ValidID reports whether id is an acceptable session or user id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// FromRequest reads role, session_id, user_id and topics from the query
// string. Session and user ids may also come from headers; the query wins.
func FromRequest(r *http.Request) (Params, error) {
	q := r.URL.Query()

	role, err := ParseRole(q.Get("role"))
	if err != nil {
		return Params{}, err
	}

	sessionID := firstNonEmpty(q.Get("session_id"), r.Header.Get(SessionHeaderName))
	switch {
	case sessionID == "":
		sessionID = uuid.NewString()
	case !ValidID(sessionID):
		return Params{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	userID := firstNonEmpty(q.Get("user_id"), r.Header.Get(UserHeaderName))
	switch {
	case userID == "":
		userID = AnonymousUserID
	case !ValidID(userID):
		return Params{}, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}

	return Params{
		Role:      role,
		SessionID: sessionID,
		UserID:    userID,
		Topics:    splitTopics(q.Get("topics")),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// WithParams stores p in ctx.
func WithParams(ctx context.Context, p Params) context.Context {
	return context.WithValue(ctx, paramsKey, p)
}

// ParamsFromContext extracts the connection parameters from ctx.
func ParamsFromContext(ctx context.Context) (Params, bool) {
	p, ok := ctx.Value(paramsKey).(Params)
	return p, ok
}

// Middleware validates connection parameters and rejects bad requests with
// 400 before any upgrade happens.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := FromRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithParams(r.Context(), p)))
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
