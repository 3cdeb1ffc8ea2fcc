package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestSQLite(t *testing.T) *GormStore {
	t.Helper()
	s, err := OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Request rows and step rows must come from one snapshot, so every query a
// read issues has to run on a transaction connection.
func TestGormStoreReadsShareATransaction(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	require.NoError(t, s.Create(ctx, newRecord("r1", "alice", baseTime, "bob", "carol")))

	var (
		mu      sync.Mutex
		queries int
		outside []string
	)
	require.NoError(t, s.db.Callback().Query().Before("gorm:query").Register("test:require_tx", func(db *gorm.DB) {
		mu.Lock()
		defer mu.Unlock()
		queries++
		if _, ok := db.Statement.ConnPool.(gorm.TxCommitter); !ok {
			outside = append(outside, db.Statement.Table)
		}
	}))

	_, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	_, err = s.GetByStepID(ctx, "r1-s2")
	require.NoError(t, err)
	_, err = s.List(ctx, ListFilter{ParticipantID: "carol"})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, queries, 5)
	assert.Empty(t, outside, "queries ran outside a transaction")
}
