package memory

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaman-cal/seriesd/server/auth"
)

func TestStore_Resolve(t *testing.T) {
	store := New()
	require.NoError(t, store.AddActor(auth.Actor{
		ID:             "alice",
		Privilege:      auth.PrivilegeApprover,
		ActiveTenantID: "ignored",
		TenantIDs:      []string{"t1", "t2"},
	}))
	assert.Error(t, store.AddActor(auth.Actor{ID: "alice"}))
	assert.Error(t, store.AddActor(auth.Actor{}))

	request := func(headers map[string]string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/occurrences", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req
	}

	actor, err := store.Resolve(t.Context(), request(map[string]string{auth.HeaderActorID: "alice"}))
	require.NoError(t, err)
	assert.Equal(t, auth.PrivilegeApprover, actor.Privilege)
	assert.Equal(t, "", actor.ActiveTenantID)
	assert.Equal(t, []string{"t1", "t2"}, actor.TenantIDs)

	// forwarded privilege headers are not trusted by the registry
	actor, err = store.Resolve(t.Context(), request(map[string]string{
		auth.HeaderActorID:      "alice",
		auth.HeaderPrivilege:    "superadmin",
		auth.HeaderActiveTenant: "t2",
	}))
	require.NoError(t, err)
	assert.Equal(t, auth.PrivilegeApprover, actor.Privilege)
	assert.Equal(t, "t2", actor.ActiveTenantID)

	_, err = store.Resolve(t.Context(), request(map[string]string{
		auth.HeaderActorID:      "alice",
		auth.HeaderActiveTenant: "t3",
	}))
	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.ErrForbidden, authErr.Type)

	_, err = store.Resolve(t.Context(), request(map[string]string{auth.HeaderActorID: "mallory"}))
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.ErrUnauthorized, authErr.Type)
}
