package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const (
	// ActorContextKey is the context key for the resolved actor
	ActorContextKey contextKey = "actor"
)

// Headers set by the fronting authentication proxy.
const (
	HeaderActorID      = "X-Actor-ID"
	HeaderPrivilege    = "X-Actor-Privilege"
	HeaderActiveTenant = "X-Tenant-ID"
	HeaderTenants      = "X-Actor-Tenants"
)

// WithActor returns ctx carrying actor.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey, actor)
}

// ActorFromContext retrieves the actor stored by Middleware.
func ActorFromContext(ctx context.Context) *Actor {
	if a, ok := ctx.Value(ActorContextKey).(*Actor); ok {
		return a
	}
	return nil
}

// Middleware resolves the actor of every request except health checks and
// stores it in the request context.
func Middleware(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			actor, err := resolver.Resolve(r.Context(), r)
			if err != nil {
				var authErr *Error
				if errors.As(err, &authErr) && authErr.Type == ErrForbidden {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// HeaderResolver trusts the identity headers forwarded by the proxy as-is.
type HeaderResolver struct{}

// Resolve implements Resolver
func (HeaderResolver) Resolve(_ context.Context, r *http.Request) (*Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if id == "" {
		return nil, &Error{Type: ErrUnauthorized, Message: "missing " + HeaderActorID}
	}
	privilege, err := ParsePrivilege(r.Header.Get(HeaderPrivilege))
	if err != nil {
		return nil, err
	}

	actor := &Actor{
		ID:             id,
		Privilege:      privilege,
		ActiveTenantID: strings.TrimSpace(r.Header.Get(HeaderActiveTenant)),
		TenantIDs:      splitList(r.Header.Get(HeaderTenants)),
	}
	if actor.ActiveTenantID != "" && len(actor.TenantIDs) > 0 && !actor.MemberOf(actor.ActiveTenantID) {
		return nil, &Error{Type: ErrForbidden, Message: "active tenant is not one of the actor's tenants"}
	}
	return actor, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
