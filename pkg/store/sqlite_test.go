package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A row whose stored timestamp no longer parses is corruption and must
// surface as an error, not silently read back as the zero time.
func TestSQLiteStore_CorruptTimestampSurfaces(t *testing.T) {
	lite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, lite.PutPrincipal(ctx, testPrincipal("p1", "alice", base)))

	_, err = lite.db.ExecContext(ctx,
		`UPDATE principals SET created_at = 'not-a-timestamp' WHERE id = 'p1'`)
	require.NoError(t, err)

	_, err = lite.GetPrincipal(ctx, "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt stored timestamp")
}
