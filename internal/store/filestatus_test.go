package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/pkg/models"
)

func fileLog(id int64, ts time.Time, filename, host, status string) models.LogRow {
	return models.LogRow{
		ID: id, Timestamp: ts, Filename: filename, Hostname: host, InternalIP: "10.0.0.5",
		Status: status, Analyst: "jdoe", Command: "upload " + filename,
	}
}

func TestRecordTracksStatusAndHistory(t *testing.T) {
	ctx := context.Background()
	_, files := newTestModels(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	first := fileLog(1, t0, "beacon.exe", "web01", "on_disk")
	first.Secrets = "hunter2"
	second := fileLog(2, t0.Add(time.Hour), "beacon.exe", "web01", "REMOVED")
	second.Notes = "cleaned up"

	n, err := files.Record(ctx, []FileObservation{
		{Log: second, OperationTags: []int64{5}, Metadata: map[string]interface{}{"command_category": "deletion"}},
		{Log: first, OperationTags: []int64{4}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := files.Get(ctx, "beacon.exe", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, models.StatusRemoved, rec.Status)
	assert.Equal(t, []int64{4, 5}, rec.OperationTags)
	assert.Equal(t, []int64{1, 2}, rec.SourceLogIDs)
	assert.True(t, rec.FirstSeen.Equal(t0))
	assert.True(t, rec.LastSeen.Equal(t0.Add(time.Hour)))
	assert.Equal(t, "deletion", rec.Metadata["command_category"])

	require.Len(t, rec.History, 2)
	assert.Equal(t, models.StatusOnDisk, rec.History[0].Status)
	assert.Equal(t, "", rec.History[0].PreviousStatus)
	assert.Equal(t, models.SecretsRedacted, rec.History[0].Secrets)
	assert.Equal(t, models.StatusRemoved, rec.History[1].Status)
	assert.Equal(t, models.StatusOnDisk, rec.History[1].PreviousStatus)
	assert.Equal(t, "", rec.History[1].Secrets)
	assert.Equal(t, "cleaned up", rec.History[1].Notes)
}

func TestSecretsNeverStoredInPlaintext(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	files := NewFileStatusModel(db, nil)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	row := fileLog(9, t0, "creds.txt", "", "")
	row.Secrets = "P@ssw0rd!"
	_, err := files.Record(ctx, []FileObservation{{Log: row}})
	require.NoError(t, err)

	var raw string
	require.NoError(t, db.sql.QueryRow(`SELECT secrets FROM file_status_history WHERE log_id = 9`).Scan(&raw))
	assert.Equal(t, models.SecretsRedacted, raw)

	records, err := files.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusUnknown, records[0].Status)
	assert.Equal(t, "", records[0].Hostname)
}

func TestRecordIsIdempotentPerLog(t *testing.T) {
	ctx := context.Background()
	_, files := newTestModels(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	obs := []FileObservation{{Log: fileLog(1, t0, "a.dll", "web01", "IN_MEMORY")}}

	_, err := files.Record(ctx, obs)
	require.NoError(t, err)
	_, err = files.Record(ctx, obs)
	require.NoError(t, err)

	hist, err := files.History(ctx, "a.dll", "web01", "10.0.0.5")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestOlderLogDoesNotOverrideStatus(t *testing.T) {
	ctx := context.Background()
	_, files := newTestModels(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := files.Record(ctx, []FileObservation{{Log: fileLog(2, t0, "x.ps1", "web01", "ENCRYPTED")}})
	require.NoError(t, err)
	_, err = files.Record(ctx, []FileObservation{{Log: fileLog(1, t0.Add(-time.Hour), "x.ps1", "web01", "ON_DISK")}})
	require.NoError(t, err)

	records, err := files.Get(ctx, "x.ps1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusEncrypted, records[0].Status)
	assert.True(t, records[0].FirstSeen.Equal(t0.Add(-time.Hour)))
}

func TestBackdatedLogKeepsHistoryChained(t *testing.T) {
	ctx := context.Background()
	_, files := newTestModels(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := files.Record(ctx, []FileObservation{{Log: fileLog(2, t0.Add(time.Hour), "loot.zip", "web01", "REMOVED")}})
	require.NoError(t, err)
	_, err = files.Record(ctx, []FileObservation{{Log: fileLog(1, t0, "loot.zip", "web01", "ON_DISK")}})
	require.NoError(t, err)
	_, err = files.Record(ctx, []FileObservation{{Log: fileLog(3, t0.Add(30*time.Minute), "loot.zip", "web01", "ENCRYPTED")}})
	require.NoError(t, err)

	hist, err := files.History(ctx, "loot.zip", "web01", "10.0.0.5")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, int64(1), hist[0].LogID)
	assert.Equal(t, "", hist[0].PreviousStatus)
	assert.Equal(t, int64(3), hist[1].LogID)
	assert.Equal(t, models.StatusOnDisk, hist[1].PreviousStatus)
	assert.Equal(t, int64(2), hist[2].LogID)
	assert.Equal(t, models.StatusEncrypted, hist[2].PreviousStatus)

	records, err := files.Get(ctx, "loot.zip", 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRemoved, records[0].Status)
}

func TestListEmbedsHistory(t *testing.T) {
	ctx := context.Background()
	_, files := newTestModels(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	row := fileLog(1, t0, "beacon.exe", "web01", "IN_MEMORY")
	row.Secrets = "hunter2"

	_, err := files.Record(ctx, []FileObservation{{Log: row}})
	require.NoError(t, err)

	records, err := files.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, records[0].History, 1)
	assert.Equal(t, models.StatusInMemory, records[0].History[0].Status)
	assert.Equal(t, models.SecretsRedacted, records[0].History[0].Secrets)
}

func TestStatsAndCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	_, files := newTestModels(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := files.Record(ctx, []FileObservation{
		{Log: fileLog(1, t0, "a.exe", "web01", "ON_DISK")},
		{Log: fileLog(2, t0, "a.exe", "web02", "ON_DISK")},
		{Log: fileLog(3, t0, "b.exe", "web01", "DETECTED")},
	})
	require.NoError(t, err)

	stats, err := files.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, 2, stats.TotalHosts)
	assert.Equal(t, map[string]int{"ON_DISK": 2, "DETECTED": 1}, stats.ByStatus)

	_, err = files.Record(ctx, []FileObservation{{Log: fileLog(4, t0.Add(time.Minute), "b.exe", "web01", "CLEANED")}})
	require.NoError(t, err)
	stats, err = files.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ON_DISK": 2, "CLEANED": 1}, stats.ByStatus)
}

func TestGetUnknownFile(t *testing.T) {
	_, files := newTestModels(t)
	_, err := files.Get(context.Background(), "missing.bin", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameHostnameMergesFileRecords(t *testing.T) {
	ctx := context.Background()
	rels, files := newTestModels(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := files.Record(ctx, []FileObservation{
		{Log: fileLog(1, t0, "a.exe", "web01", "ON_DISK"), OperationTags: []int64{1}},
		{Log: fileLog(2, t0.Add(time.Hour), "a.exe", "web01-renamed", "REMOVED"), OperationTags: []int64{2}},
		{Log: fileLog(3, t0, "b.exe", "web01", "ON_DISK")},
	})
	require.NoError(t, err)

	res, err := rels.UpdateFieldValue(ctx, models.FieldHostname, "web01", "web01-renamed")
	require.NoError(t, err)
	assert.Equal(t, 2, res.FileStatus)

	records, err := files.Get(ctx, "a.exe", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "web01-renamed", rec.Hostname)
	assert.Equal(t, models.StatusRemoved, rec.Status)
	assert.Equal(t, []int64{1, 2}, rec.OperationTags)
	assert.True(t, rec.FirstSeen.Equal(t0))
	assert.Len(t, rec.History, 2)

	b, err := files.Get(ctx, "b.exe", 0)
	require.NoError(t, err)
	assert.Equal(t, "web01-renamed", b[0].Hostname)
}

func TestListFiltersByOperationTag(t *testing.T) {
	ctx := context.Background()
	_, files := newTestModels(t)
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := files.Record(ctx, []FileObservation{
		{Log: fileLog(1, t0, "a.exe", "web01", "ON_DISK"), OperationTags: []int64{3}},
		{Log: fileLog(2, t0, "b.exe", "web01", "ON_DISK"), OperationTags: []int64{4}},
	})
	require.NoError(t, err)

	got, err := files.List(ctx, 4)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b.exe", got[0].Filename)
}
