package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/ir"
)

const sampleFixture = `
objects:
  user:
    - uid: bob
      attributes:
        cn: Bob
        uidNumber: 1002
    - uid: ada
      attributes:
        cn: Ada
        groups: [eng, ops]
`

func TestLoadMemoryFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFixture), 0o644))

	m, err := LoadMemory("ldap", path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len("user"))

	ada, ok := m.Get("user", "ada")
	require.True(t, ok)
	assert.Equal(t, ir.List{ir.Str("eng"), ir.Str("ops")}, ada["groups"])

	bob, _ := m.Get("user", "bob")
	assert.Equal(t, ir.Int(1002), bob["uidNumber"])

	var changes int
	_, err = m.FetchDelta(context.Background(), users, "", func(Change) (bool, error) {
		changes++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, changes, "fixture objects are journaled")
}

func TestParseFixtureRejectsUnknownFields(t *testing.T) {
	_, err := ParseFixture([]byte("objcts: {}\n"))
	assert.Error(t, err)
}

func TestParseFixtureRejectsFloats(t *testing.T) {
	f, err := ParseFixture([]byte("objects:\n  user:\n    - uid: a\n      attributes: {ratio: 0.5}\n"))
	require.NoError(t, err)
	_, err = NewMemoryFromFixture("ldap", f)
	assert.Error(t, err)
}

func TestMemoryFactoryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	sys := ir.System{ID: "ldap", ConnectorType: "memory", Settings: ir.Attrs{
		"fixture": ir.Str(path),
		"persist": ir.Bool(true),
	}}

	c, err := MemoryFactory(sys)
	require.NoError(t, err)
	_, err = c.Create(context.Background(), users, "ada", ir.Attrs{"cn": ir.Str("Ada")})
	require.NoError(t, err)

	reopened, err := MemoryFactory(sys)
	require.NoError(t, err)
	obj, err := reopened.Read(context.Background(), users, "ada")
	require.NoError(t, err)
	assert.Equal(t, ir.Str("Ada"), obj.Attributes["cn"])

	d, ok := AsDeltaFetcher(reopened)
	require.True(t, ok)
	next, err := d.FetchDelta(context.Background(), users, "", func(Change) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.Equal(t, "1", next, "journal survives persistence")
}

func TestMemoryFactoryWithoutDelta(t *testing.T) {
	c, err := MemoryFactory(ir.System{ID: "ldap", Settings: ir.Attrs{"delta": ir.Bool(false)}})
	require.NoError(t, err)
	_, ok := AsDeltaFetcher(c)
	assert.False(t, ok)
}

func TestMemoryFactoryMissingFixture(t *testing.T) {
	_, err := MemoryFactory(ir.System{ID: "ldap", Settings: ir.Attrs{
		"fixture": ir.Str(filepath.Join(t.TempDir(), "missing.yaml")),
	}})
	assert.Error(t, err)
}
