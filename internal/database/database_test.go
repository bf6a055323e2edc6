package database

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catwatch/internal/notify"
	"catwatch/internal/pipeline"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "catwatch.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestNewUsesInjectedLogger(t *testing.T) {
	var logs bytes.Buffer
	db, err := New(filepath.Join(t.TempDir(), "catwatch.db"), slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate())
	assert.Contains(t, logs.String(), "component=database")
	assert.Contains(t, logs.String(), "migrations completed")
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Migrate())
}

func TestRecordAndListEvents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	cat := &pipeline.Detection{
		ID:        "det-cat",
		Label:     "cat",
		Score:     0.91,
		Timestamp: base,
		Image:     image.NewRGBA(image.Rect(0, 0, 2, 2)),
	}
	dog := &pipeline.Detection{ID: "det-dog", Label: "dog", Score: 0.7, Timestamp: base.Add(time.Minute)}
	require.NoError(t, db.RecordDetection(ctx, cat))
	require.NoError(t, db.RecordDetection(ctx, dog))
	// same id again is ignored
	require.NoError(t, db.RecordDetection(ctx, cat))

	require.NoError(t, db.RecordNotification(ctx, &notify.Attempt{
		ID: "n1", DetectionID: "det-cat", Channel: "telegram", Label: "cat",
		Outcome: "delivered", Timestamp: base.Add(time.Second),
	}))
	require.NoError(t, db.RecordNotification(ctx, &notify.Attempt{
		ID: "n2", DetectionID: "det-cat", Channel: "discord", Label: "cat",
		Outcome: "failed", Error: "boom", Timestamp: base.Add(2 * time.Second),
	}))

	events, err := db.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "det-dog", events[0].ID)
	assert.False(t, events[0].HasImage)
	assert.Empty(t, events[0].Notifications)

	got := events[1]
	assert.Equal(t, "det-cat", got.ID)
	assert.Equal(t, "cat", got.Label)
	assert.InDelta(t, 0.91, got.Score, 1e-9)
	assert.True(t, got.HasImage)
	assert.True(t, base.Equal(got.Timestamp))
	require.Len(t, got.Notifications, 2)
	assert.Equal(t, "telegram", got.Notifications[0].Channel)
	assert.Equal(t, "", got.Notifications[0].Error)
	assert.Equal(t, "failed", got.Notifications[1].Outcome)
	assert.Equal(t, "boom", got.Notifications[1].Error)
}

func TestListEventsFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, label := range []string{"cat", "dog", "cat", "cat"} {
		require.NoError(t, db.RecordDetection(ctx, &pipeline.Detection{
			ID:        label + string(rune('a'+i)),
			Label:     label,
			Score:     0.5,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	cats, err := db.ListEvents(ctx, EventFilter{Label: "cat"})
	require.NoError(t, err)
	assert.Len(t, cats, 3)

	limited, err := db.ListEvents(ctx, EventFilter{Label: "cat", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "catd", limited[0].ID)

	since := base.Add(90 * time.Second)
	recent, err := db.ListEvents(ctx, EventFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestGetDetection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	missing, err := db.GetDetection(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.RecordDetection(ctx, &pipeline.Detection{
		ID: "d1", Label: "cat", Score: 0.8, Timestamp: time.Now(),
	}))
	rec, err := db.GetDetection(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cat", rec.Label)
	assert.NotNil(t, rec.Notifications)
}

func TestDeleteOldEvents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordDetection(ctx, &pipeline.Detection{ID: "old", Label: "cat", Timestamp: base}))
	require.NoError(t, db.RecordDetection(ctx, &pipeline.Detection{ID: "new", Label: "cat", Timestamp: base.Add(time.Hour)}))
	require.NoError(t, db.RecordNotification(ctx, &notify.Attempt{
		ID: "n1", DetectionID: "old", Channel: "telegram", Label: "cat", Outcome: "delivered", Timestamp: base,
	}))

	n, err := db.DeleteOldEvents(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := db.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].ID)
}

func TestStoreInterfaces(t *testing.T) {
	var _ pipeline.DetectionStore = (*Database)(nil)
	var _ notify.AttemptStore = (*Database)(nil)
}
