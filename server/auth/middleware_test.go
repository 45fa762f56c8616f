package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderResolver(t *testing.T) {
	tests := []struct {
		name      string
		headers   map[string]string
		wantErr   ErrorType
		wantActor *Actor
	}{
		{
			name:    "missing actor id",
			headers: map[string]string{},
			wantErr: ErrUnauthorized,
		},
		{
			name: "member with tenants",
			headers: map[string]string{
				HeaderActorID: "alice",
				HeaderTenants: "t1, t2",
			},
			wantActor: &Actor{ID: "alice", Privilege: PrivilegeMember, TenantIDs: []string{"t1", "t2"}},
		},
		{
			name: "manager alias with active tenant",
			headers: map[string]string{
				HeaderActorID:      "bob",
				HeaderPrivilege:    "Manager",
				HeaderActiveTenant: "t2",
				HeaderTenants:      "t1,t2",
			},
			wantActor: &Actor{ID: "bob", Privilege: PrivilegeApprover, ActiveTenantID: "t2", TenantIDs: []string{"t1", "t2"}},
		},
		{
			name: "active tenant outside memberships",
			headers: map[string]string{
				HeaderActorID:      "carol",
				HeaderActiveTenant: "t9",
				HeaderTenants:      "t1",
			},
			wantErr: ErrForbidden,
		},
		{
			name: "unknown privilege",
			headers: map[string]string{
				HeaderActorID:   "dave",
				HeaderPrivilege: "root",
			},
			wantErr: ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/occurrences", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			actor, err := HeaderResolver{}.Resolve(req.Context(), req)
			if tt.wantErr != "" {
				var authErr *Error
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, tt.wantErr, authErr.Type)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantActor, actor)
		})
	}
}

func TestMiddleware(t *testing.T) {
	var seen *Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := Middleware(HeaderResolver{})(next)

	req := httptest.NewRequest(http.MethodGet, "/series/1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/series/1", nil)
	req.Header.Set(HeaderActorID, "alice")
	req.Header.Set(HeaderActiveTenant, "t9")
	req.Header.Set(HeaderTenants, "t1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/series/1", nil)
	req.Header.Set(HeaderActorID, "alice")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.ID)

	seen = nil
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, seen)
}

func TestActorPrivileges(t *testing.T) {
	member := &Actor{ID: "m", TenantIDs: []string{"t1", "t2"}}
	assert.False(t, member.CanApprove())
	assert.False(t, member.CanOverrideLock())
	assert.True(t, member.MemberOf("t2"))
	assert.False(t, member.MemberOf("t3"))
	assert.False(t, member.MemberOf(""))
	assert.Equal(t, []string{"t1", "t2"}, member.VisibleTenants())

	member.ActiveTenantID = "t2"
	assert.Equal(t, []string{"t2"}, member.VisibleTenants())

	admin := &Actor{ID: "a", Privilege: PrivilegeSuperAdmin}
	assert.True(t, admin.CanApprove())
	assert.True(t, admin.IsSuperAdmin())
	assert.True(t, admin.MemberOf("anything"))
	assert.Equal(t, "superadmin", admin.Privilege.String())
}
