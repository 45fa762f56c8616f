package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaman-cal/seriesd/server/auth"
)

func TestStatic(t *testing.T) {
	dir := NewStatic("t3", "t1", "", "t3", "t2")
	ids, err := dir.ListTenantIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)

	ids[0] = "changed"
	again, err := dir.ListTenantIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", again[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dir.ListTenantIDs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "valid",
			doc: `
tenants:
  - id: t2
    name: South
  - id: t1
    name: North
actors:
  - id: alice
    privilege: manager
    tenants: [t1]
  - id: root
    privilege: superadmin
`,
		},
		{
			name:    "missing tenant id",
			doc:     "tenants:\n  - name: nameless\n",
			wantErr: "id is required",
		},
		{
			name:    "duplicate tenant",
			doc:     "tenants:\n  - id: t1\n  - id: t1\n",
			wantErr: "duplicate id",
		},
		{
			name:    "unknown tenant membership",
			doc:     "tenants:\n  - id: t1\nactors:\n  - id: bob\n    tenants: [t9]\n",
			wantErr: "unknown tenant",
		},
		{
			name:    "bad privilege",
			doc:     "tenants:\n  - id: t1\nactors:\n  - id: bob\n    privilege: owner\n",
			wantErr: "unknown privilege",
		},
		{
			name:    "malformed yaml",
			doc:     "tenants: [",
			wantErr: "parse tenants file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.doc))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			ids, err := f.Directory().ListTenantIDs(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{"t1", "t2"}, ids)

			actors := f.ActorProfiles()
			require.Len(t, actors, 2)
			assert.Equal(t, auth.Actor{ID: "alice", Privilege: auth.PrivilegeApprover, TenantIDs: []string{"t1"}}, actors[0])
			assert.Equal(t, auth.PrivilegeSuperAdmin, actors[1].Privilege)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  - id: t1\n"), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, f.Tenants, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
