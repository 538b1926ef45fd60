package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javaos74/uipath-mcp-server/internal/config"
	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/models"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

type fakeOrchestrator struct {
	folders    []uipath.Folder
	lastFolder string
	lastPage   uipath.TablePage
	lastUpload struct {
		bucketID  int64
		directory string
		fileName  string
	}
}

func (f *fakeOrchestrator) ListFolders(_ context.Context, _ models.CredentialContext, _ string) ([]uipath.Folder, error) {
	return f.folders, nil
}

func (f *fakeOrchestrator) JobsStats(context.Context, models.CredentialContext) (map[string]any, error) {
	return map[string]any{"stats": []any{}, "total": 0}, nil
}

func (f *fakeOrchestrator) FinishedJobsEvolution(_ context.Context, _ models.CredentialContext, folderID string, _ int) (any, error) {
	f.lastFolder = folderID
	return []any{}, nil
}

func (f *fakeOrchestrator) ProcessesTable(_ context.Context, _ models.CredentialContext, folderID string, page uipath.TablePage) (any, error) {
	f.lastFolder, f.lastPage = folderID, page
	return map[string]any{}, nil
}

func (f *fakeOrchestrator) QueuesHealthState(_ context.Context, _ models.CredentialContext, folderID string, _ int) (any, error) {
	f.lastFolder = folderID
	return map[string]any{}, nil
}

func (f *fakeOrchestrator) QueuesTable(_ context.Context, _ models.CredentialContext, folderID string, page uipath.TablePage) (any, error) {
	f.lastFolder, f.lastPage = folderID, page
	return map[string]any{}, nil
}

func (f *fakeOrchestrator) ProcessSchedules(_ context.Context, _ models.CredentialContext, folderID string, _ int) ([]uipath.Schedule, error) {
	f.lastFolder = folderID
	return []uipath.Schedule{{Name: "Nightly", Enabled: true}}, nil
}

func (f *fakeOrchestrator) StorageBuckets(_ context.Context, _ models.CredentialContext, folderID string, _ uipath.BucketQuery) (*uipath.BucketList, error) {
	f.lastFolder = folderID
	return &uipath.BucketList{}, nil
}

func (f *fakeOrchestrator) BucketByName(_ context.Context, _ models.CredentialContext, _ string, name string) (*uipath.Bucket, error) {
	if name == "poc" {
		return &uipath.Bucket{ID: 2, Name: "poc"}, nil
	}
	return nil, nil
}

func (f *fakeOrchestrator) BucketUploadURL(_ context.Context, _ models.CredentialContext, folderID string, bucketID int64, directory, fileName, _ string) (*uipath.UploadURL, error) {
	f.lastFolder = folderID
	f.lastUpload.bucketID, f.lastUpload.directory, f.lastUpload.fileName = bucketID, directory, fileName
	return &uipath.UploadURL{Directory: directory, FullPath: directory + "/" + fileName}, nil
}

func newRegistry(orch Orchestrator) *ToolHandlerRegistry {
	return NewToolHandlerRegistry(BuiltinModules(orch, config.BuiltinConfig{})...)
}

func TestDiscoverListsEveryBuiltin(t *testing.T) {
	descriptors := newRegistry(&fakeOrchestrator{}).Discover()
	require.Len(t, descriptors, 12)

	names := make(map[string]string)
	for _, d := range descriptors {
		_, dup := names[d.Name]
		assert.False(t, dup, d.Name)
		names[d.Name] = d.Path
	}
	assert.Equal(t, "uipath_folder.get_folders", names["uipath_get_folders"])
	assert.Equal(t, "google_search.google_search", names["google_search"])
	assert.Equal(t, "uipath_storagebucket.get_storage_bucket_upload_url", names["uipath_get_storage_bucket_upload_url"])
	assert.NotContains(t, names, "uipath_upload_file_to_storage_bucket")
}

func TestDescriptorSchemasCompile(t *testing.T) {
	for _, d := range newRegistry(&fakeOrchestrator{}).Discover() {
		raw, err := json.Marshal(d.InputSchema)
		require.NoError(t, err)
		_, err = jsonschema.CompileString(d.Name+".json", string(raw))
		assert.NoError(t, err, d.Name)
	}
}

func TestResolve(t *testing.T) {
	registry := newRegistry(&fakeOrchestrator{})

	for _, path := range []string{"uipath_folder.get_folders", "src.builtin.uipath_folder.get_folders"} {
		callable, err := registry.Resolve(path)
		require.NoError(t, err, path)
		assert.NotNil(t, callable)
	}

	for _, path := range []string{"", "nodot", "missing.get_folders", "uipath_folder.missing", "uipath_folder."} {
		_, err := registry.Resolve(path)
		assert.Error(t, err, path)
	}
}

type countingModule struct {
	calls int
}

func (m *countingModule) Name() string { return "counting" }

func (m *countingModule) Tools() []Descriptor {
	m.calls++
	return []Descriptor{{
		Name:     "count",
		Function: "count",
		Callable: CallableFunc(func(context.Context, map[string]any, models.CredentialContext) (any, error) {
			return "ok", nil
		}),
	}}
}

func TestResolveIsCached(t *testing.T) {
	m := &countingModule{}
	registry := NewToolHandlerRegistry(m)

	for i := 0; i < 3; i++ {
		callable, err := registry.Resolve("counting.count")
		require.NoError(t, err)
		out, err := callable.Call(context.Background(), nil, models.CredentialContext{})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	}
	assert.Equal(t, 1, m.calls)
}

type memoryCatalog struct {
	version int
	rows    map[string]models.BuiltinTool
	upserts int
}

func (c *memoryCatalog) GetBuiltinToolsVersion(context.Context) (int, error) { return c.version, nil }

func (c *memoryCatalog) SetBuiltinToolsVersion(_ context.Context, v int) error {
	c.version = v
	return nil
}

func (c *memoryCatalog) UpsertBuiltinTool(_ context.Context, tool *models.BuiltinTool) error {
	if c.rows == nil {
		c.rows = make(map[string]models.BuiltinTool)
	}
	c.upserts++
	c.rows[tool.Name] = *tool
	return nil
}

func TestRegisterBuiltinToolsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := &memoryCatalog{}
	descriptors := newRegistry(&fakeOrchestrator{}).Discover()

	written, err := RegisterBuiltinTools(ctx, store, descriptors, BuiltinToolsVersion)
	require.NoError(t, err)
	assert.Equal(t, len(descriptors), written)
	assert.Equal(t, BuiltinToolsVersion, store.version)
	snapshot := make(map[string]models.BuiltinTool, len(store.rows))
	for k, v := range store.rows {
		snapshot[k] = v
	}

	written, err = RegisterBuiltinTools(ctx, store, descriptors, BuiltinToolsVersion)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Equal(t, len(descriptors), store.upserts)
	assert.Equal(t, snapshot, store.rows)
	assert.Equal(t, "uipath_queue.get_queues_table", store.rows["uipath_get_queues_table"].FunctionPath)
}

func TestRegisterBuiltinToolsUpgradesOlderCatalog(t *testing.T) {
	store := &memoryCatalog{version: BuiltinToolsVersion - 1}
	descriptors := newRegistry(&fakeOrchestrator{}).Discover()

	written, err := RegisterBuiltinTools(context.Background(), store, descriptors, BuiltinToolsVersion)
	require.NoError(t, err)
	assert.Equal(t, len(descriptors), written)

	store = &memoryCatalog{version: BuiltinToolsVersion + 1}
	written, err = RegisterBuiltinTools(context.Background(), store, descriptors, BuiltinToolsVersion)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func call(t *testing.T, registry *ToolHandlerRegistry, path string, args map[string]any) (any, error) {
	t.Helper()
	callable, err := registry.Resolve(path)
	require.NoError(t, err)
	return callable.Call(context.Background(), args, models.CredentialContext{BaseURL: "https://orch.local"})
}

func TestFolderIDByName(t *testing.T) {
	orch := &fakeOrchestrator{folders: []uipath.Folder{
		{ID: 1, DisplayName: "Shared", FullyQualifiedName: "Shared"},
		{ID: 42, DisplayName: "Finance", FullyQualifiedName: "Production/Finance"},
	}}
	registry := newRegistry(orch)

	out, err := call(t, registry, "uipath_folder.get_folder_id_by_name", map[string]any{"folder_name": "finance"})
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	out, err = call(t, registry, "uipath_folder.get_folder_id_by_name", map[string]any{"folder_name": "production/finance"})
	require.NoError(t, err)
	assert.Equal(t, "42", out)

	out, err = call(t, registry, "uipath_folder.get_folder_id_by_name", map[string]any{"folder_name": "HR"})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = call(t, registry, "uipath_folder.get_folder_id_by_name", map[string]any{})
	assert.True(t, apperr.IsValidationFailed(err))
}

func TestMonitoringArgumentsAccepted(t *testing.T) {
	orch := &fakeOrchestrator{}
	registry := newRegistry(orch)

	_, err := call(t, registry, "uipath_job.get_processes_table", map[string]any{
		"organization_unit_id": json.Number("7"),
		"page_size":            float64(20),
	})
	require.NoError(t, err)
	assert.Equal(t, "7", orch.lastFolder)
	assert.Equal(t, uipath.TablePage{TimeFrameMinutes: 1440, PageNo: 1, PageSize: 20}, orch.lastPage)

	_, err = call(t, registry, "uipath_queue.get_queues_health_state", map[string]any{"folder_id": "9"})
	require.NoError(t, err)
	assert.Equal(t, "9", orch.lastFolder)

	_, err = call(t, registry, "uipath_queue.get_queues_table", map[string]any{"folder_id": "abc"})
	assert.True(t, apperr.IsValidationFailed(err))

	out, err := call(t, registry, "uipath_schedule.get_process_schedules", map[string]any{"folder_id": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]any)["count"])
}

func TestUploadURL(t *testing.T) {
	orch := &fakeOrchestrator{}
	registry := newRegistry(orch)

	_, err := call(t, registry, "uipath_storagebucket.get_storage_bucket_upload_url", map[string]any{
		"folder_id": float64(1), "bucket_id": float64(2), "file_name": "report.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), orch.lastUpload.bucketID)
	_, err = uuid.Parse(orch.lastUpload.directory)
	assert.NoError(t, err)

	_, err = call(t, registry, "uipath_storagebucket.get_storage_bucket_upload_url", map[string]any{
		"folder_id": float64(1), "bucket_id": float64(2), "file_name": "report.pdf", "directory": "run-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", orch.lastUpload.directory)

	_, err = call(t, registry, "uipath_storagebucket.get_storage_bucket_upload_url", map[string]any{
		"folder_id": float64(1), "bucket_id": float64(2), "file_name": "../etc/passwd",
	})
	assert.True(t, apperr.IsValidationFailed(err))
}

func TestBucketByName(t *testing.T) {
	registry := newRegistry(&fakeOrchestrator{})

	out, err := call(t, registry, "uipath_storagebucket.get_storage_bucket_by_name", map[string]any{"folder_id": "1", "bucket_name": "poc"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.(*uipath.Bucket).ID)

	out, err = call(t, registry, "uipath_storagebucket.get_storage_bucket_by_name", map[string]any{"folder_id": "1", "bucket_name": "none"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoogleSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customsearch/v1", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "5", q.Get("num"))
		assert.Equal(t, "key-123", q.Get("key"))
		assert.Equal(t, "engine", q.Get("cx"))
		assert.Equal(t, "uipath mcp", q.Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"searchInformation":{"totalResults":"1"},"items":[{"title":"UiPath","link":"https://uipath.com","snippet":"RPA"}]}`))
	}))
	defer srv.Close()

	registry := NewToolHandlerRegistry(NewGoogleSearchModule(srv.URL, "engine"))

	out, err := call(t, registry, "google_search.google_search", map[string]any{"q": "uipath mcp"})
	require.NoError(t, err)
	assert.Equal(t, false, out.(map[string]any)["success"])

	out, err = call(t, registry, "google_search.google_search", map[string]any{"q": "uipath mcp", "api_key": "key-123"})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "1", result["total_results"])
	assert.Len(t, result["results"], 1)
}

func TestGoogleSearchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"API key not valid"}}`))
	}))
	defer srv.Close()

	registry := NewToolHandlerRegistry(NewGoogleSearchModule(srv.URL, ""))

	out, err := call(t, registry, "google_search.google_search", map[string]any{"q": "uipath", "api_key": "bad"})
	require.NoError(t, err)
	assert.Equal(t, "Google Custom Search engine ID not configured", out.(map[string]any)["error"])

	_, err = call(t, registry, "google_search.google_search", map[string]any{"q": "uipath", "api_key": "bad", "cx": "engine"})
	require.Error(t, err)
	assert.True(t, apperr.IsUpstreamError(err))
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, e.Details["status_code"])
}

func TestIntArg(t *testing.T) {
	n, err := intArg(map[string]any{"a": json.Number("12")}, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = intArg(map[string]any{"a": " 5 "}, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = intArg(map[string]any{}, "a", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	_, err = intArg(map[string]any{"a": true}, "a", 0)
	assert.True(t, apperr.IsValidationFailed(err))
}
