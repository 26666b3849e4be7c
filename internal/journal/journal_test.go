package journal_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zangezia/backupdesk/internal/journal"
	"github.com/zangezia/backupdesk/internal/store/memory"
	"github.com/zangezia/backupdesk/pkg/models"
)

func TestJournalKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	j, err := journal.New(ctx, st)
	require.NoError(t, err)

	var notified []models.ActivityEntry
	j.OnChange(func(e []models.ActivityEntry) { notified = e })

	for i := range 12 {
		_, err := j.Record(ctx, fmt.Sprintf("event %d", i))
		require.NoError(t, err)
	}

	got := j.Recent(0)
	require.Len(t, got, journal.MaxEntries)
	assert.Equal(t, "event 11", got[0].Message)
	assert.Equal(t, "event 2", got[journal.MaxEntries-1].Message)
	assert.Equal(t, got, notified)

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i-1].ID, got[i].ID, "ids are monotonic")
	}

	assert.Len(t, j.Recent(3), 3)
	assert.Len(t, j.Recent(50), journal.MaxEntries)

	reloaded, err := journal.New(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, got, reloaded.Recent(0))
}

func TestJournalEmpty(t *testing.T) {
	j, err := journal.New(context.Background(), memory.New())
	require.NoError(t, err)
	assert.Empty(t, j.Recent(5))
}
