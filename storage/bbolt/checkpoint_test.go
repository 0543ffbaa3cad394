package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessionguard/audit"
)

func TestCheckpointSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "head.db")

	cp, err := NewCheckpointFromFile(path, nil)
	require.NoError(t, err)
	h, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, h)

	require.NoError(t, cp.Advance(ctx, audit.Head{Seq: 7, Hash: "abc"}))
	assert.ErrorIs(t, cp.Advance(ctx, audit.Head{Seq: 6, Hash: "abb"}), audit.ErrRollbackDetected)
	require.NoError(t, cp.Close())

	reopened, err := NewCheckpointFromFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	h, err = reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.Head{Seq: 7, Hash: "abc"}, h)
}

func TestCheckpointGuardsStore(t *testing.T) {
	ctx := context.Background()
	db, cleanup := newTestDB(t)
	defer cleanup()
	store, err := NewStore(db)
	require.NoError(t, err)
	cp, err := NewCheckpointFromFile(filepath.Join(t.TempDir(), "head.db"), nil)
	require.NoError(t, err)
	defer cp.Close()

	require.NoError(t, store.Append(ctx, entry(1, "a", audit.EventLoginSuccess, "ivy")))
	require.NoError(t, cp.Advance(ctx, audit.Head{Seq: 2, Hash: "h"}))

	keys, err := audit.DeriveKeys(make([]byte, audit.MasterKeySize))
	require.NoError(t, err)
	_, err = audit.NewTrail(ctx, store, keys, audit.WithCheckpoint(cp))
	assert.ErrorIs(t, err, audit.ErrRollbackDetected)
}
