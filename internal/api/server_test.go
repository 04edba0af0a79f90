package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/analyzer"
	"relgraph/internal/batch"
	"relgraph/internal/cache"
	"relgraph/internal/filestatus"
	"relgraph/internal/pipeline"
	"relgraph/internal/store"
	"relgraph/pkg/models"
)

type testEnv struct {
	handler   http.Handler
	logs      *store.LogSource
	relations *store.RelationsModel
	files     *store.FileStatusModel
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Options{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "relgraph.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, true))

	reg := prometheus.NewRegistry()
	relCache := cache.New(time.Minute, 100)
	fileCache := cache.New(time.Minute, 100)
	files := store.NewFileStatusModel(db, fileCache)
	relations := store.NewRelationsModel(db, relCache, files)
	logs := store.NewLogSource(db)
	batches := batch.NewService(batch.Config{FlushDelay: time.Hour, Registerer: reg})
	fsvc := filestatus.NewService(files, batches)

	an := analyzer.NewRelationAnalyzer(logs, batches, reg)
	an.RegisterDefaults(analyzer.Deps{Batches: batches, Relations: relations, FileStatus: fsvc})
	p := pipeline.New(pipeline.Config{FieldUpdateDebounce: time.Hour, RetentionDays: 90}, nil, an, relations, logs, batches)

	srv := NewServer(Config{Gatherer: reg}, relations, fsvc, p, an, batches)
	t.Cleanup(func() {
		p.Close()
		batches.Close(context.Background())
		relCache.Close()
		fileCache.Close()
		db.Close()
	})
	return &testEnv{handler: srv.Router(), logs: logs, relations: relations, files: files}
}

func (e *testEnv) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNormalizedStrength(t *testing.T) {
	assert.Equal(t, 50, NormalizedStrength(1, 2))
	assert.Equal(t, 67, NormalizedStrength(2, 3))
	assert.Equal(t, 100, NormalizedStrength(2, 2))
	assert.Equal(t, 100, NormalizedStrength(5, 1))
	assert.Equal(t, 0, NormalizedStrength(0, 0))
	assert.Equal(t, 100, NormalizedStrength(1, 0))
}

func TestListRelationsGroupsBySource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Now().UTC()
	_, err := env.relations.BatchUpsert(ctx, []models.RelationInput{
		{SourceType: models.TypeUsername, SourceValue: "bob", TargetType: models.TypeCommand, TargetValue: "id", LastSeen: now, OperationTags: []int64{7}},
		{SourceType: models.TypeUsername, SourceValue: "bob", TargetType: models.TypeHostname, TargetValue: "web01", LastSeen: now.Add(-time.Minute)},
		{SourceType: models.TypeUsername, SourceValue: "eve", TargetType: models.TypeCommand, TargetValue: "ls", LastSeen: now.Add(-2 * time.Minute)},
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/relations/username", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decode[[]RelationGroup](t, rec)
	require.Len(t, groups, 2)
	assert.Equal(t, "bob", groups[0].Source)
	assert.Equal(t, models.TypeUsername, groups[0].Type)
	assert.Equal(t, 2, groups[0].Connections)
	assert.Equal(t, "id", groups[0].Related[0].Target)
	assert.Equal(t, 100, groups[0].Related[0].Strength)
	assert.Equal(t, "eve", groups[1].Source)

	rec = env.do(t, http.MethodGet, "/relations/username", "", map[string]string{HeaderOperationTag: "7"})
	groups = decode[[]RelationGroup](t, rec)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Connections)

	rec = env.do(t, http.MethodGet, "/relations/username?operation=8", "", map[string]string{HeaderOperationTag: "7"})
	assert.Empty(t, decode[[]RelationGroup](t, rec))

	rec = env.do(t, http.MethodGet, "/relations/username?operation=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "operation")

	rec = env.do(t, http.MethodGet, "/relations/username?limit=1", "", nil)
	assert.Len(t, decode[[]RelationGroup](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/relations/hostname/web01", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups = decode[[]RelationGroup](t, rec)
	require.Len(t, groups, 1)
	assert.Equal(t, "bob", groups[0].Source)
}

func TestFileStatusEndpoints(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.files.Record(ctx, []store.FileObservation{
		{Log: models.LogRow{ID: 1, Timestamp: time.Now().UTC(), Filename: "loot.zip", Status: "on_disk", Secrets: "hunter2"}},
		{Log: models.LogRow{ID: 2, Timestamp: time.Now().UTC(), Filename: "beacon.exe", Hostname: "web01", InternalIP: "10.0.0.5", Status: "IN_MEMORY"}},
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/file-status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	for _, item := range list {
		history, ok := item["history"].([]interface{})
		require.True(t, ok, "history missing for %v", item["filename"])
		assert.NotEmpty(t, history)
		if item["filename"] == "loot.zip" {
			assert.Nil(t, item["hostname"])
			assert.Nil(t, item["internal_ip"])
			assert.Equal(t, models.StatusOnDisk, item["status"])
		} else {
			assert.Equal(t, "web01", item["hostname"])
		}
	}

	rec = env.do(t, http.MethodGet, "/file-status/loot.zip", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.Contains(t, rec.Body.String(), models.SecretsRedacted)

	rec = env.do(t, http.MethodGet, "/file-status/missing.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/stats/file-status", "", nil)
	stats := decode[models.FileStatusStats](t, rec)
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, 1, stats.TotalHosts)
	assert.Equal(t, 1, stats.ByStatus[models.StatusInMemory])
}

func TestNotifyFieldUpdate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/notify/field-update",
		`{"fieldType":"username","oldValue":"alice","newValue":"alice2"}`, map[string]string{HeaderUser: "ana"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", decode[map[string]string](t, rec)["status"])

	rec = env.do(t, http.MethodPost, "/notify/field-update", `{"fieldType":"notes","oldValue":"a","newValue":"b"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/notify/field-update", `{"fieldType":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/notify/template-update", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.logs.Insert(ctx, models.LogRow{Timestamp: time.Now().UTC(), Username: "bob", Command: "id"})
	require.NoError(t, err)
	admin := map[string]string{HeaderRole: "admin", HeaderUser: "lead"}

	rec := env.do(t, http.MethodPost, "/analyze", "", map[string]string{HeaderRole: "operator"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/analyze", `{"types":["nope"]}`, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/analyze", `{"types":["user_command"]}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[analyzer.Result](t, rec)
	assert.Equal(t, 1, res.Logs)
	assert.True(t, res.Analyzers[analyzer.TypeUserCommand].Produced)

	rel, err := env.relations.Get(ctx, models.TypeUsername, "bob", models.TypeCommand, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rel.Strength)

	require.NoError(t, env.relations.Upsert(ctx, models.RelationInput{
		SourceType: models.TypeUsername, SourceValue: "old", TargetType: models.TypeCommand, TargetValue: "id",
		LastSeen: time.Now().Add(-30 * 24 * time.Hour),
	}))
	rec = env.do(t, http.MethodPost, "/cleanup", `{"days":7}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rec)["deleted"])

	rec = env.do(t, http.MethodPost, "/cleanup", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthMetricsAndNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relgraph_batch")

	rec = env.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint not found", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodDelete, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, http.MethodGet, "/stats/batches", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
