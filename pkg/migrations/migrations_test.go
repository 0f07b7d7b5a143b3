package migrations

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_VersionsAreContiguous(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	versions := []uint{version}
	for {
		next, err := src.Next(version)
		if err != nil {
			assert.ErrorIs(t, err, os.ErrNotExist)
			break
		}
		versions = append(versions, next)
		version = next
	}
	assert.Equal(t, []uint{1, 2, 3}, versions)

	for _, v := range versions {
		up, _, err := src.ReadUp(v)
		require.NoError(t, err)
		_ = up.Close()
		down, _, err := src.ReadDown(v)
		require.NoError(t, err, "version %d needs a down migration", v)
		_ = down.Close()
	}
}

func TestSource_CreatesStoreTables(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	var schema strings.Builder
	for _, v := range []uint{1, 2, 3} {
		r, _, err := src.ReadUp(v)
		require.NoError(t, err)
		body, err := io.ReadAll(r)
		_ = r.Close()
		require.NoError(t, err)
		schema.Write(body)
	}
	for _, table := range []string{"layer_records", "layer_history", "groups", "group_memberships", "pattern_documents"} {
		assert.Contains(t, schema.String(), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestNewManager_NilDB(t *testing.T) {
	_, err := NewManager(nil, nil)
	assert.Error(t, err)
}
