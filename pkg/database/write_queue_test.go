package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openScratchDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "scratch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT UNIQUE)`)
	require.NoError(t, err)
	return db
}

func TestWriteQueue_ConcurrentSubmits(t *testing.T) {
	db := openScratchDB(t)
	wq := NewWriteQueue(db, nil)
	wq.Start()
	defer wq.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(routine int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				val := routine*100 + j
				err := wq.Submit(context.Background(), func(db *sql.DB) error {
					_, err := db.Exec(`INSERT INTO test (value) VALUES (?)`, val)
					return err
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM test`).Scan(&count))
	assert.Equal(t, 80, count)
}

func TestWriteQueue_ContextCancellation(t *testing.T) {
	wq := NewWriteQueue(openScratchDB(t), nil)
	wq.Start()
	defer wq.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := wq.Submit(ctx, func(db *sql.DB) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteQueue_NotStarted(t *testing.T) {
	wq := NewWriteQueue(openScratchDB(t), nil)
	assert.False(t, wq.IsStarted())

	err := wq.Submit(context.Background(), func(db *sql.DB) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")

	wq.Start()
	assert.True(t, wq.IsStarted())
	assert.Equal(t, 0, wq.QueueLength())
	wq.Stop()
	wq.Stop()
	assert.False(t, wq.IsStarted())
}

func TestWriteQueue_SubmitTxRollback(t *testing.T) {
	db := openScratchDB(t)
	wq := NewWriteQueue(db, nil)
	wq.Start()
	defer wq.Stop()

	err := wq.SubmitTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO test (value) VALUES (?)`, "unique"); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO test (value) VALUES (?)`, "unique")
		return err
	})
	assert.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM test`).Scan(&count))
	assert.Equal(t, 0, count)

	err = wq.SubmitTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO test (value) VALUES (?)`, "ok")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM test`).Scan(&count))
	assert.Equal(t, 1, count)
}
