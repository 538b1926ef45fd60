package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javaos74/uipath-mcp-server/internal/config"
	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/handlers"
	"github.com/javaos74/uipath-mcp-server/internal/models"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

type fakeJobs struct {
	mu       sync.Mutex
	started  []uipath.StartJobRequest
	startErr error
	final    *uipath.Job
	waitErr  error
	polls    int
	// block 为 true 时 WaitForJob 一直等到 ctx 结束
	block bool
}

func (f *fakeJobs) StartJob(_ context.Context, _ models.CredentialContext, req uipath.StartJobRequest) (*uipath.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &uipath.Job{ID: 77, State: uipath.JobStatePending, FolderID: "42"}, nil
}

func (f *fakeJobs) WaitForJob(ctx context.Context, _ models.CredentialContext, folderID string, jobID int64, _ time.Duration, onPoll uipath.PollFunc) (*uipath.Job, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for i := 1; i <= f.polls; i++ {
		onPoll(i, &uipath.Job{ID: jobID, State: uipath.JobStateRunning, FolderID: folderID})
	}
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return f.final, nil
}

func (f *fakeJobs) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type fakeResolver map[string]handlers.ToolCallable

func (r fakeResolver) Resolve(path string) (handlers.ToolCallable, error) {
	if c, ok := r[path]; ok {
		return c, nil
	}
	return nil, errors.New("not registered")
}

func strPtr(s string) *string { return &s }
func int64Ptr(n int64) *int64 { return &n }

func invoiceToolSet() *ToolSet {
	server := models.MCPServer{ID: 1, TenantName: "UiPath", ServerName: "CharlesTest", UserID: 7}
	cc := models.CredentialContext{UserID: 7, BaseURL: "https://orch.local", AuthType: models.AuthTypePAT, AccessToken: "pat"}
	tools := []models.MCPTool{
		{
			Name:              "run_invoice_job",
			InputSchema:       models.JSONB{"type": "object", "properties": map[string]any{"invoice_path": map[string]any{"type": "string"}}, "required": []any{"invoice_path"}},
			ToolType:          models.ToolKindRemoteProcess,
			UiPathProcessName: strPtr("InvoiceProcessing"),
			UiPathFolderPath:  strPtr("/Production/Finance"),
		},
		{Name: "lookup", ToolType: models.ToolKindBuiltin, BuiltinToolID: int64Ptr(1)},
		{Name: "explode", ToolType: models.ToolKindBuiltin, BuiltinToolID: int64Ptr(2)},
		{Name: "flaky", ToolType: models.ToolKindBuiltin, BuiltinToolID: int64Ptr(3)},
		{Name: "retired", ToolType: models.ToolKindBuiltin, BuiltinToolID: int64Ptr(4)},
	}
	builtins := []models.BuiltinTool{
		{ID: 1, Name: "lookup", FunctionPath: "test.lookup", APIKey: strPtr("key-1"), IsActive: true},
		{ID: 2, Name: "explode", FunctionPath: "test.explode", IsActive: true},
		{ID: 3, Name: "flaky", FunctionPath: "test.flaky", IsActive: true},
		{ID: 4, Name: "retired", FunctionPath: "test.lookup", IsActive: false},
	}
	return NewToolSet(server, cc, tools, builtins)
}

var seenAPIKey string

func testResolver() fakeResolver {
	return fakeResolver{
		"test.lookup": handlers.CallableFunc(func(_ context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
			seenAPIKey, _ = args["api_key"].(string)
			return "found for " + cc.BaseURL, nil
		}),
		"test.explode": handlers.CallableFunc(func(context.Context, map[string]any, models.CredentialContext) (any, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		}),
		"test.flaky": handlers.CallableFunc(func(_ context.Context, args map[string]any, _ models.CredentialContext) (any, error) {
			if args["typed"] != nil {
				return nil, apperr.NewUpstreamError("orchestrator down", nil)
			}
			return nil, errors.New("plain failure")
		}),
	}
}

func newDispatcher(jobs JobRunner, timeout time.Duration) *Dispatcher {
	return New(jobs, testResolver(), config.UiPathConfig{ToolCallTimeout: timeout, PollInterval: 10 * time.Millisecond})
}

func TestUnknownTool(t *testing.T) {
	d := newDispatcher(&fakeJobs{}, time.Second)
	r := d.Dispatch(context.Background(), Call{Tools: invoiceToolSet(), Name: "nope"})

	require.NotNil(t, r.Err)
	assert.Equal(t, apperr.KindNotFound, r.Err.Kind)
	assert.True(t, r.ToCallToolResult().IsError)
}

func TestValidationFailureNeverStartsJob(t *testing.T) {
	jobs := &fakeJobs{}
	d := newDispatcher(jobs, time.Second)
	ts := invoiceToolSet()

	for _, args := range []string{`{}`, `{"invoice_path": 12}`, `[1,2]`, `"text"`} {
		r := d.Dispatch(context.Background(), Call{Tools: ts, Name: "run_invoice_job", Arguments: json.RawMessage(args)})
		require.NotNil(t, r.Err, args)
		assert.Equal(t, apperr.KindValidationFailed, r.Err.Kind, args)
	}
	assert.Zero(t, jobs.startedCount())
}

func TestInvoiceJobScenario(t *testing.T) {
	jobs := &fakeJobs{
		polls: 3,
		final: &uipath.Job{ID: 77, State: uipath.JobStateSuccessful, OutputArguments: `{"status":"processed","amount":120.5}`},
	}
	d := newDispatcher(jobs, time.Second)

	var progress []float64
	var logs []string
	r := d.Dispatch(context.Background(), Call{
		Tools:     invoiceToolSet(),
		Name:      "run_invoice_job",
		Arguments: json.RawMessage(`{"invoice_path": "/data/i.pdf"}`),
		Progress:  func(p, total float64, _ string) { progress = append(progress, p) },
		Log:       func(level, message string, _ map[string]any) { logs = append(logs, level+": "+message) },
	})

	require.Nil(t, r.Err)
	require.Len(t, jobs.started, 1)
	req := jobs.started[0]
	assert.Equal(t, "InvoiceProcessing", req.ProcessKey)
	assert.Equal(t, "/Production/Finance", req.FolderPath)
	assert.Equal(t, map[string]any{"invoice_path": "/data/i.pdf"}, req.InputArguments)

	assert.Equal(t, true, r.Value["success"])
	assert.Equal(t, "successful", r.Value["status"])
	assert.Equal(t, map[string]any{"status": "processed", "amount": 120.5}, r.Value["output"])

	require.NotEmpty(t, progress)
	assert.Equal(t, 0.0, progress[0])
	assert.Equal(t, 100.0, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Equal(t, []string{"info: Process 'InvoiceProcessing' completed successfully"}, logs)

	res := r.ToCallToolResult()
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	var echoed map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &echoed))
	assert.Equal(t, "Process 'InvoiceProcessing' completed successfully", echoed["message"])
}

func TestTimeoutKeepsDispatcherUsable(t *testing.T) {
	jobs := &fakeJobs{block: true}
	d := newDispatcher(jobs, 50*time.Millisecond)
	ts := invoiceToolSet()

	var logs []string
	r := d.Dispatch(context.Background(), Call{
		Tools:     ts,
		Name:      "run_invoice_job",
		Arguments: json.RawMessage(`{"invoice_path": "/data/i.pdf"}`),
		Log:       func(level, _ string, _ map[string]any) { logs = append(logs, level) },
	})
	require.NotNil(t, r.Err)
	assert.Equal(t, apperr.KindTimeout, r.Err.Kind)
	assert.Equal(t, int64(77), r.Err.Details["job_id"])
	assert.Contains(t, r.Err.Message, "may still be running")
	assert.Equal(t, []string{"warning"}, logs)

	r = d.Dispatch(context.Background(), Call{Tools: ts, Name: "lookup"})
	assert.Nil(t, r.Err)
}

func TestFaultedJobIsExecutionError(t *testing.T) {
	jobs := &fakeJobs{final: &uipath.Job{ID: 77, State: uipath.JobStateFaulted, Info: "Invoice unreadable"}}
	r := newDispatcher(jobs, time.Second).Dispatch(context.Background(), Call{
		Tools: invoiceToolSet(), Name: "run_invoice_job", Arguments: json.RawMessage(`{"invoice_path":"x"}`),
	})

	require.NotNil(t, r.Err)
	assert.Equal(t, apperr.KindExecutionError, r.Err.Kind)
	payload := r.Payload()
	assert.Equal(t, false, payload["success"])
	assert.Equal(t, "ExecutionError", payload["kind"])
	assert.Equal(t, "faulted", payload["status"])
	assert.Equal(t, "Invoice unreadable", payload["info"])
}

func TestStoppedJob(t *testing.T) {
	jobs := &fakeJobs{final: &uipath.Job{ID: 77, State: uipath.JobStateStopped}}
	r := newDispatcher(jobs, time.Second).Dispatch(context.Background(), Call{
		Tools: invoiceToolSet(), Name: "run_invoice_job", Arguments: json.RawMessage(`{"invoice_path":"x"}`),
	})
	require.NotNil(t, r.Err)
	assert.Equal(t, "stopped", r.Err.Details["status"])
}

func TestUpstreamErrorIsNotRetried(t *testing.T) {
	jobs := &fakeJobs{startErr: apperr.NewUpstreamError("orchestrator unreachable", nil)}
	r := newDispatcher(jobs, time.Second).Dispatch(context.Background(), Call{
		Tools: invoiceToolSet(), Name: "run_invoice_job", Arguments: json.RawMessage(`{"invoice_path":"x"}`),
	})
	require.NotNil(t, r.Err)
	assert.Equal(t, apperr.KindUpstreamError, r.Err.Kind)
	assert.Equal(t, 1, jobs.startedCount())
}

func TestCancelledCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newDispatcher(&fakeJobs{block: true}, time.Second).Dispatch(ctx, Call{
		Tools: invoiceToolSet(), Name: "run_invoice_job", Arguments: json.RawMessage(`{"invoice_path":"x"}`),
	})
	require.NotNil(t, r.Err)
	assert.Equal(t, apperr.KindExecutionError, r.Err.Kind)
	assert.Contains(t, r.Err.Message, "cancelled")
}

func TestBuiltinInjectsAPIKeyAndWrapsResult(t *testing.T) {
	seenAPIKey = ""
	r := newDispatcher(&fakeJobs{}, time.Second).Dispatch(context.Background(), Call{Tools: invoiceToolSet(), Name: "lookup"})

	require.Nil(t, r.Err)
	assert.Equal(t, "key-1", seenAPIKey)
	assert.Equal(t, map[string]any{"result": "found for https://orch.local", "success": true}, r.Value)
	assert.Equal(t, models.ToolKindBuiltin, r.Branch)
}

func TestBuiltinPanicIsExecutionError(t *testing.T) {
	d := newDispatcher(&fakeJobs{}, time.Second)
	ts := invoiceToolSet()

	r := d.Dispatch(context.Background(), Call{Tools: ts, Name: "explode"})
	require.NotNil(t, r.Err)
	assert.Equal(t, apperr.KindExecutionError, r.Err.Kind)

	r = d.Dispatch(context.Background(), Call{Tools: ts, Name: "lookup"})
	assert.Nil(t, r.Err)
}

func TestBuiltinErrorKinds(t *testing.T) {
	d := newDispatcher(&fakeJobs{}, time.Second)
	ts := invoiceToolSet()

	r := d.Dispatch(context.Background(), Call{Tools: ts, Name: "flaky", Arguments: json.RawMessage(`{"typed":true}`)})
	require.NotNil(t, r.Err)
	assert.Equal(t, apperr.KindUpstreamError, r.Err.Kind)

	r = d.Dispatch(context.Background(), Call{Tools: ts, Name: "flaky"})
	require.NotNil(t, r.Err)
	assert.Equal(t, apperr.KindExecutionError, r.Err.Kind)
	assert.Equal(t, "plain failure", r.Err.Message)
}

func TestInactiveBuiltinIsHidden(t *testing.T) {
	ts := invoiceToolSet()
	_, ok := ts.Lookup("retired")
	assert.False(t, ok)

	var names []string
	for _, tool := range ts.MCPTools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"explode", "flaky", "lookup", "run_invoice_job"}, names)

	r := newDispatcher(&fakeJobs{}, time.Second).Dispatch(context.Background(), Call{Tools: ts, Name: "retired"})
	assert.Equal(t, apperr.KindNotFound, r.Err.Kind)
}

func TestNormalize(t *testing.T) {
	out, err := normalize(map[string]any{"success": false, "error": "no key"})
	require.NoError(t, err)
	assert.Equal(t, false, out["success"])

	out, err = normalize(struct {
		Count int `json:"count"`
	}{3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(3), "success": true}, out)

	out, err = normalize([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out["result"])

	out, err = normalize(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": nil, "success": true}, out)
}

type memoryStore struct {
	tools    []models.MCPTool
	owner    *models.User
	builtins map[int64]*models.BuiltinTool
}

func (s *memoryStore) ListTools(context.Context, int64) ([]models.MCPTool, error) { return s.tools, nil }

func (s *memoryStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	if s.owner == nil || s.owner.ID != id {
		return nil, apperr.NewNotFoundError("user not found", nil)
	}
	return s.owner, nil
}

func (s *memoryStore) GetBuiltinToolByID(_ context.Context, id int64) (*models.BuiltinTool, error) {
	if b, ok := s.builtins[id]; ok {
		return b, nil
	}
	return nil, apperr.NewNotFoundError("builtin not found", nil)
}

func TestLoadToolSet(t *testing.T) {
	store := &memoryStore{
		owner: &models.User{ID: 7, UiPathURL: "https://orch.local", UiPathAuthType: models.AuthTypePAT, UiPathAccessToken: "pat"},
		tools: []models.MCPTool{
			{Name: "run_invoice_job", UiPathProcessName: strPtr("InvoiceProcessing")},
			{Name: "folders", BuiltinToolID: int64Ptr(1)},
			{Name: "ghost", BuiltinToolID: int64Ptr(9)},
			{Name: "broken"},
		},
		builtins: map[int64]*models.BuiltinTool{1: {ID: 1, Name: "uipath_get_folders", FunctionPath: "uipath_folder.get_folders", IsActive: true}},
	}

	ts, err := LoadToolSet(context.Background(), store, &models.MCPServer{ID: 1, UserID: 7, TenantName: "UiPath", ServerName: "CharlesTest"})
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Len())
	assert.Equal(t, "pat", ts.Credentials.AccessToken)
	assert.Equal(t, "https://orch.local", ts.Credentials.BaseURL)

	_, err = LoadToolSet(context.Background(), store, &models.MCPServer{ID: 1, UserID: 8})
	assert.True(t, apperr.IsNotFound(err))
}
