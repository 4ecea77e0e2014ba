package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countDecisions(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM decisions").Scan(&n))
	return n
}

func TestSQLite_PersistsDecisions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	pub, err := NewSQLite(map[string]interface{}{
		"path":       path,
		"batch_size": 2,
	})
	require.NoError(t, err)

	d := testDecision("req-1")
	require.NoError(t, pub.Publish(context.Background(), d))
	require.NoError(t, pub.Publish(context.Background(), testDecision("req-2")))
	require.NoError(t, pub.Close(context.Background()))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var (
		requestID, route, method, clientIP string
		stage, outcome, reason             string
		durationNs                         int64
	)
	err = db.QueryRow(`SELECT request_id, route, method, client_ip, stage, outcome, reason, duration_ns
		FROM decisions WHERE request_id = ?`, "req-1").Scan(
		&requestID, &route, &method, &clientIP, &stage, &outcome, &reason, &durationNs)
	require.NoError(t, err)

	assert.Equal(t, "req-1", requestID)
	assert.Equal(t, "orders", route)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "10.1.2.3", clientIP)
	assert.Equal(t, "pre-handler", stage)
	assert.Equal(t, "denied", outcome)
	assert.Equal(t, "nope", reason)
	assert.Equal(t, d.Duration.Nanoseconds(), durationNs)
}

func TestSQLite_BatchFlushesWhenFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	pub, err := NewSQLite(map[string]interface{}{
		"path":       path,
		"batch_size": 2,
		// Keep the ticker out of the way.
		"flush_interval_seconds": 3600,
	})
	require.NoError(t, err)
	defer pub.Close(context.Background())

	require.NoError(t, pub.Publish(context.Background(), testDecision("req-1")))
	assert.Equal(t, 0, countDecisions(t, path), "partial batch stays in memory")

	require.NoError(t, pub.Publish(context.Background(), testDecision("req-2")))
	assert.Equal(t, 2, countDecisions(t, path), "full batch is written")
}

func TestSQLite_CloseFlushesPartialBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	pub, err := NewSQLite(map[string]interface{}{
		"path":                   path,
		"batch_size":             100,
		"flush_interval_seconds": 3600,
	})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), testDecision("req-1")))
	require.NoError(t, pub.Close(context.Background()))
	assert.Equal(t, 1, countDecisions(t, path))
}

func TestSQLite_TickerFlushesPartialBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	pub, err := NewSQLite(map[string]interface{}{
		"path":                   path,
		"batch_size":             100,
		"flush_interval_seconds": 1,
	})
	require.NoError(t, err)
	defer pub.Close(context.Background())

	require.NoError(t, pub.Publish(context.Background(), testDecision("req-1")))
	require.Eventually(t, func() bool {
		return countDecisions(t, path) == 1
	}, 3*time.Second, 100*time.Millisecond)
}

func TestSQLite_ReopenKeepsExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	settings := map[string]interface{}{"path": path, "batch_size": 1}

	pub, err := NewSQLite(settings)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), testDecision("req-1")))
	require.NoError(t, pub.Close(context.Background()))

	// Schema migration is idempotent across restarts.
	pub, err = NewSQLite(settings)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), testDecision("req-2")))
	require.NoError(t, pub.Close(context.Background()))

	assert.Equal(t, 2, countDecisions(t, path))
}

func TestNewSQLite_RequiresPath(t *testing.T) {
	_, err := NewSQLite(map[string]interface{}{"batch_size": 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestNewSQLite_BadSettings(t *testing.T) {
	_, err := NewSQLite(map[string]interface{}{
		"path":       map[string]interface{}{"not": "a string"},
		"batch_size": 10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode settings")
}
