package capability_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/pkg/models"
)

func newRegistry(t *testing.T) (*capability.Registry, store.Store) {
	t.Helper()
	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	r := capability.NewRegistry(st)
	require.NoError(t, r.Load(context.Background(), capability.DefaultBootstrap().Capabilities))
	return r, st
}

func TestRegistry_SeedsSystemCapabilities(t *testing.T) {
	r, st := newRegistry(t)

	c, ok := r.Get("WRITE_FILE")
	require.True(t, ok)
	assert.True(t, c.IsSystem)
	assert.Equal(t, models.ToolCap, c.Kind)

	stored, err := st.ListCapabilities(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, r.Len())
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, models.Capability{ID: "tool:files.read", Kind: models.ToolCap, Scope: "files"}, false, false)
	require.NoError(t, err)

	_, err = r.Add(ctx, models.Capability{ID: "tool:files.read", Kind: models.DataCap}, false, false)
	assert.ErrorIs(t, err, capability.ErrDuplicate)

	// Unique across kinds: a DataCap cannot reuse a ToolCap id either.
	_, err = r.Add(ctx, models.Capability{ID: "WRITE_FILE", Kind: models.DataCap}, false, false)
	assert.ErrorIs(t, err, capability.ErrDuplicate)

	replaced, err := r.Add(ctx, models.Capability{ID: "tool:files.read", Kind: models.ToolCap, Description: "v2"}, false, true)
	require.NoError(t, err)
	assert.Equal(t, "v2", replaced.Description)
}

func TestRegistry_AddRejectsInvalid(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Add(context.Background(), models.Capability{ID: "x", Kind: "Other"}, false, false)
	assert.ErrorIs(t, err, capability.ErrInvalid)
	_, err = r.Add(context.Background(), models.Capability{Kind: models.ToolCap}, false, false)
	assert.ErrorIs(t, err, capability.ErrInvalid)
}

func TestRegistry_SystemCapabilitiesAreImmutable(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	before := r.List()

	_, err := r.Remove(ctx, "SEND_EMAIL")
	assert.ErrorIs(t, err, capability.ErrForbidden)

	_, err = r.Update(ctx, models.Capability{ID: "SEND_EMAIL", Kind: models.DataCap})
	assert.ErrorIs(t, err, capability.ErrForbidden)

	_, err = r.Add(ctx, models.Capability{ID: "SEND_EMAIL", Kind: models.DataCap}, false, true)
	assert.ErrorIs(t, err, capability.ErrForbidden)

	assert.Equal(t, before, r.List())
}

func TestRegistry_UpdateAndRemoveCustom(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()

	_, err := r.Update(ctx, models.Capability{ID: "nope", Kind: models.ToolCap})
	assert.ErrorIs(t, err, capability.ErrNotFound)

	_, err = r.Add(ctx, models.Capability{ID: "share_with:legal", Kind: models.DataCap, Scope: "sharing"}, false, false)
	require.NoError(t, err)

	updated, err := r.Update(ctx, models.Capability{ID: "share_with:legal", Kind: models.DataCap, Scope: "legal", Description: "legal only"})
	require.NoError(t, err)
	assert.Equal(t, "legal", updated.Scope)
	assert.False(t, updated.IsSystem)

	existed, err := r.Remove(ctx, "share_with:legal")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = r.Remove(ctx, "share_with:legal")
	require.NoError(t, err)
	assert.False(t, existed)

	stored, _ := st.ListCapabilities(ctx)
	for _, c := range stored {
		assert.NotEqual(t, "share_with:legal", c.ID)
	}
}

func TestRegistry_ListFilters(t *testing.T) {
	r, _ := newRegistry(t)
	for _, c := range r.ListByKind(models.DataCap) {
		assert.Equal(t, models.DataCap, c.Kind)
	}
	fs := r.ListByScope("fs")
	require.NotEmpty(t, fs)
	for _, c := range fs {
		assert.Equal(t, "fs", c.Scope)
	}
}

func TestRegistry_LoadRestoresCustomCapabilities(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	defer st.Close()

	r1 := capability.NewRegistry(st)
	require.NoError(t, r1.Load(ctx, capability.DefaultBootstrap().Capabilities))
	_, err := r1.Add(ctx, models.Capability{ID: "tool:crm.lookup", Kind: models.ToolCap, Scope: "crm"}, false, false)
	require.NoError(t, err)

	r2 := capability.NewRegistry(st)
	require.NoError(t, r2.Load(ctx, capability.DefaultBootstrap().Capabilities))
	c, ok := r2.Get("tool:crm.lookup")
	require.True(t, ok)
	assert.False(t, c.IsSystem)
}

func TestSnapshot_IsIsolatedFromLaterWrites(t *testing.T) {
	r, _ := newRegistry(t)
	snap := r.Snapshot()
	_, err := r.Add(context.Background(), models.Capability{ID: "late", Kind: models.ToolCap}, false, false)
	require.NoError(t, err)

	assert.False(t, snap.Has("late", models.ToolCap))
	assert.True(t, snap.Has("WRITE_FILE", models.ToolCap))
	assert.False(t, snap.Has("WRITE_FILE", models.DataCap))
}

func TestOperationMap(t *testing.T) {
	m := capability.NewOperationMap(map[string][]string{"send_message": {"SEND_EMAIL", "SEND_EMAIL"}})

	assert.Equal(t, []string{"SEND_EMAIL"}, m.RequiredToolCaps("send_message"))
	assert.Empty(t, m.RequiredToolCaps("analyze"))
	assert.NotNil(t, m.RequiredToolCaps("analyze"))

	m.Register("search", []string{"tool:web.search"}, "web")
	m.Register("search", []string{"tool:docs.search"}, "docs")
	assert.Equal(t, []string{"tool:docs.search"}, m.RequiredToolCaps("search"))

	// The earlier provider no longer owns the entry.
	assert.False(t, m.Unregister("search", "web"))
	assert.True(t, m.Unregister("search", "docs"))
	assert.Empty(t, m.RequiredToolCaps("search"))

	ops := m.List()
	require.Len(t, ops, 1)
	assert.Equal(t, "send_message", ops[0].Op)
}

func TestLoadBootstrap(t *testing.T) {
	def, err := capability.LoadBootstrap("")
	require.NoError(t, err)
	assert.NotEmpty(t, def.Capabilities)

	path := filepath.Join(t.TempDir(), "caps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capabilities:
  - id: WRITE_FILE
    kind: ToolCap
    scope: fs
  - id: share_with:team
    kind: DataCap
    scope: sharing
operations:
  create_document: [WRITE_FILE]
`), 0o644))
	b, err := capability.LoadBootstrap(path)
	require.NoError(t, err)
	assert.Len(t, b.Capabilities, 2)
	assert.Equal(t, []string{"WRITE_FILE"}, b.Operations["create_document"])

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("capabilities:\n  - id: X\n    kind: Nope\n"), 0o644))
	_, err = capability.LoadBootstrap(bad)
	assert.ErrorIs(t, err, capability.ErrInvalid)
}
