package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		store, err := NewSQLiteStore(dbPath)
		require.NoError(t, err)
		assert.NotNil(t, store)
		err = store.Close()
		require.NoError(t, err)
	})

	t.Run("invalid path", func(t *testing.T) {
		// try to create database in non-existent directory
		store, err := NewSQLiteStore("/invalid/path/that/does/not/exist/test.db")
		assert.Error(t, err)
		assert.Nil(t, store)
	})
}

func TestSQLiteStore_TablesCreated(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	var count int
	err = store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='events'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_RecordAndListEvents(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	events := []Event{
		{JobID: "abc12345", CorrelationID: "prompt-1", Kind: "completed", ArtifactCount: 4, CreatedAt: now.Add(-2 * time.Hour)},
		{JobID: "def67890", CorrelationID: "prompt-2", Kind: "cancelled", Detail: "removed from backend queue", CreatedAt: now.Add(-time.Hour)},
		{JobID: "abc12345", CorrelationID: "prompt-1", Kind: "timeout", ArtifactCount: 2, Detail: "2 of 4", CreatedAt: now},
	}
	for _, ev := range events {
		require.NoError(t, store.RecordEvent(ev))
	}

	got, err := store.ListEvents(10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "timeout", got[0].Kind, "newest first")
	assert.Equal(t, "cancelled", got[1].Kind)
	assert.Equal(t, "completed", got[2].Kind)
	assert.Equal(t, 4, got[2].ArtifactCount)
	assert.WithinDuration(t, now, got[0].CreatedAt, time.Second)
}

func TestSQLiteStore_ListEventsLimit(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordEvent(Event{JobID: "abc12345", Kind: "completed"}))
	}

	got, err := store.ListEvents(2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.ListEvents(0)
	require.NoError(t, err)
	assert.Len(t, got, 5, "non-positive limit falls back to default")
}

func TestSQLiteStore_ListEventsForJob(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordEvent(Event{JobID: "abc12345", Kind: "completed"}))
	require.NoError(t, store.RecordEvent(Event{JobID: "def67890", Kind: "cancelled"}))

	got, err := store.ListEventsForJob("abc12345")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "completed", got[0].Kind)
}

func TestSQLiteStore_CleanupOldEvents(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordEvent(Event{JobID: "old", Kind: "completed", CreatedAt: time.Now().Add(-10 * 24 * time.Hour)}))
	require.NoError(t, store.RecordEvent(Event{JobID: "fresh", Kind: "completed"}))

	n, err := store.CleanupOldEvents(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.ListEvents(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].JobID)
}
