package uipath

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javaos74/uipath-mcp-server/internal/config"
	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

func testClient() *Client {
	return New(config.UiPathConfig{
		PollInterval: 10 * time.Millisecond,
		HTTPTimeout:  5 * time.Second,
		OAuthTimeout: 5 * time.Second,
	})
}

func patCredentials(baseURL string) models.CredentialContext {
	return models.CredentialContext{UserID: 1, BaseURL: baseURL, AuthType: models.AuthTypePAT, AccessToken: "pat-token"}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestTokenEndpoints(t *testing.T) {
	cases := []struct {
		base string
		want []string
	}{
		{"https://orch.local", []string{
			"https://orch.local/identity_/connect/token",
			"https://orch.local/identity/connect/token",
		}},
		{"https://cloud.uipath.com/acme/DefaultTenant/", []string{
			"https://cloud.uipath.com/identity_/connect/token",
			"https://cloud.uipath.com/identity/connect/token",
			"https://cloud.uipath.com/acme/identity_/connect/token",
			"https://cloud.uipath.com/acme/identity/connect/token",
			"https://cloud.uipath.com/acme/DefaultTenant/identity/connect/token",
		}},
		{"not a url", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TokenEndpoints(tc.base), tc.base)
	}
}

func TestAPIRootAndCloudDetection(t *testing.T) {
	assert.Equal(t, "https://orch.local/odata", APIRoot("https://orch.local/"))
	assert.Equal(t, "https://cloud.uipath.com/acme/tenant/orchestrator_/odata", APIRoot("https://cloud.uipath.com/acme/tenant"))

	assert.True(t, IsCloudURL("https://cloud.uipath.com/acme"))
	assert.True(t, IsCloudURL("https://UIPATH.COM"))
	assert.False(t, IsCloudURL("https://orch.local"))
	assert.False(t, IsCloudURL("https://uipath.com.evil.example"))
}

func TestStartJobAndWait(t *testing.T) {
	var polls atomic.Int32
	var startBody map[string]map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer pat-token", r.Header.Get("Authorization"))
		assert.Equal(t, "42", r.Header.Get("X-UIPATH-OrganizationUnitId"))

		switch r.URL.Path {
		case "/odata/Releases":
			assert.Equal(t, "ProcessKey eq 'InvoiceProcessing'", r.URL.Query().Get("$filter"))
			writeJSON(w, map[string]any{"value": []map[string]any{{"Key": "rel-1", "ProcessKey": "InvoiceProcessing"}}})
		case "/odata/Jobs/UiPath.Server.Configuration.OData.StartJobs":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&startBody))
			writeJSON(w, map[string]any{"value": []map[string]any{{"Id": 5, "Key": "job-5", "State": "Pending"}}})
		case "/odata/Jobs(5)":
			state := "Running"
			if polls.Add(1) >= 3 {
				state = "Successful"
			}
			writeJSON(w, map[string]any{"Id": 5, "State": state, "OutputArguments": `{"total": 120.5}`})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testClient()
	cc := patCredentials(srv.URL)
	ctx := context.Background()

	job, err := c.StartJob(ctx, cc, StartJobRequest{
		ProcessKey:     "InvoiceProcessing",
		FolderID:       "42",
		InputArguments: map[string]any{"invoice_path": "s3://bucket/inv-001.pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), job.ID)
	assert.Equal(t, "42", job.FolderID)

	info := startBody["startInfo"]
	assert.Equal(t, "rel-1", info["ReleaseKey"])
	assert.Equal(t, "RobotCount", info["Strategy"])
	assert.Equal(t, "Unattended", info["RuntimeType"])
	assert.JSONEq(t, `{"invoice_path":"s3://bucket/inv-001.pdf"}`, info["InputArguments"].(string))

	var seen []int
	final, err := c.WaitForJob(ctx, cc, job.FolderID, job.ID, 0, func(attempt int, _ *Job) {
		seen = append(seen, attempt)
	})
	require.NoError(t, err)
	assert.True(t, final.Succeeded())
	assert.Equal(t, map[string]any{"total": 120.5}, final.Output())
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestStartJobResolvesFolderPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/odata/Folders":
			writeJSON(w, map[string]any{"value": []map[string]any{
				{"Id": 7, "DisplayName": "Finance", "FullyQualifiedName": "Sandbox/Finance"},
				{"Id": 42, "DisplayName": "Finance", "FullyQualifiedName": "Production/Finance"},
			}})
		case "/odata/Releases":
			assert.Equal(t, "42", r.Header.Get("X-UIPATH-OrganizationUnitId"))
			writeJSON(w, map[string]any{"value": []map[string]any{{"Key": "rel-1"}}})
		case "/odata/Jobs/UiPath.Server.Configuration.OData.StartJobs":
			writeJSON(w, map[string]any{"value": []map[string]any{{"Id": 9, "State": "Pending"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	job, err := testClient().StartJob(context.Background(), patCredentials(srv.URL), StartJobRequest{
		ProcessKey: "InvoiceProcessing",
		FolderPath: "/Production/Finance",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", job.FolderID)
}

func TestStartJobMissingRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": []any{}})
	}))
	defer srv.Close()

	_, err := testClient().StartJob(context.Background(), patCredentials(srv.URL), StartJobRequest{ProcessKey: "Nope", FolderID: "1"})
	assert.True(t, apperr.IsUpstreamError(err))
}

func TestWaitForJobStopsAtDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"Id": 1, "State": "Running"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := testClient().WaitForJob(ctx, patCredentials(srv.URL), "1", 1, 10*time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNon2xxIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient().GetJob(context.Background(), patCredentials(srv.URL), "1", 1)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindUpstreamError, e.Kind)
	assert.Equal(t, http.StatusInternalServerError, e.Details["status_code"])
}

func TestUnreachableIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := testClient().ListFolders(context.Background(), patCredentials(base), "")
	assert.True(t, apperr.IsUpstreamError(err))
}

func TestPATWithoutToken(t *testing.T) {
	cc := models.CredentialContext{BaseURL: "https://orch.local", AuthType: models.AuthTypePAT}
	_, err := testClient().Token(context.Background(), cc)
	assert.True(t, apperr.IsUpstreamError(err))
}

func oauthCredentials(baseURL, stored string) models.CredentialContext {
	return models.CredentialContext{
		UserID:       7,
		BaseURL:      baseURL,
		AuthType:     models.AuthTypeOAuth,
		AccessToken:  stored,
		ClientID:     "client",
		ClientSecret: "secret",
	}
}

func TestOAuthRefreshOnUnauthorized(t *testing.T) {
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/identity_/connect/token":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
			assert.Equal(t, "client", r.Form.Get("client_id"))
			assert.Equal(t, defaultAudience, r.Form.Get("audience"))
			assert.Equal(t, defaultScope, r.Form.Get("scope"))
			exchanges.Add(1)
			writeJSON(w, map[string]any{"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600})
		case "/odata/Jobs(3)":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, map[string]any{"Id": 3, "State": "Successful"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testClient()
	var persisted []string
	c.SetTokenObserver(func(_ context.Context, userID int64, token string) {
		assert.Equal(t, int64(7), userID)
		persisted = append(persisted, token)
	})

	job, err := c.GetJob(context.Background(), oauthCredentials(srv.URL, "stale"), "1", 3)
	require.NoError(t, err)
	assert.Equal(t, "Successful", job.State)
	assert.Equal(t, int32(1), exchanges.Load())
	assert.Equal(t, []string{"fresh"}, persisted)
}

func TestOAuthFallsBackAcrossEndpoints(t *testing.T) {
	var tried []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tried = append(tried, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/acme/identity/connect/token" {
			writeJSON(w, map[string]any{"access_token": "org-token", "token_type": "Bearer", "expires_in": 3600})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	token, err := testClient().Token(context.Background(), oauthCredentials(srv.URL+"/acme/DefaultTenant", ""))
	require.NoError(t, err)
	assert.Equal(t, "org-token", token)
	assert.Equal(t, []string{
		"/identity_/connect/token",
		"/identity/connect/token",
		"/acme/identity_/connect/token",
		"/acme/identity/connect/token",
	}, tried)
}

func TestOAuthAllEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient().Token(context.Background(), oauthCredentials(srv.URL, ""))
	require.Error(t, err)
	assert.True(t, apperr.IsUpstreamError(err))
	assert.Contains(t, err.Error(), "identity")
}

func TestOAuthConcurrentCallsShareOneExchange(t *testing.T) {
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, map[string]any{"access_token": "shared", "token_type": "Bearer", "expires_in": 3600})
	}))
	defer srv.Close()

	c := testClient()
	cc := oauthCredentials(srv.URL, "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.Token(context.Background(), cc)
			assert.NoError(t, err)
			assert.Equal(t, "shared", token)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), exchanges.Load())
}

func TestOAuthExchangeSurvivesFirstCallerCancel(t *testing.T) {
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		time.Sleep(100 * time.Millisecond)
		writeJSON(w, map[string]any{"access_token": "slow-token", "token_type": "Bearer", "expires_in": 3600})
	}))
	defer srv.Close()

	c := testClient()
	cc := oauthCredentials(srv.URL, "")

	firstErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := c.Token(ctx, cc)
		firstErr <- err
	}()
	time.Sleep(5 * time.Millisecond)

	token, err := c.Token(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, "slow-token", token)

	err = <-firstErr
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, apperr.IsUpstreamError(err))
	assert.Equal(t, int32(1), exchanges.Load())

	// 交换结果已缓存
	token, err = c.Token(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, "slow-token", token)
	assert.Equal(t, int32(1), exchanges.Load())
}

func TestListFoldersAndLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/odata/Folders", r.URL.Path)
		assert.Equal(t, "contains(DisplayName,'O''Neil') or contains(FullyQualifiedName,'O''Neil')", r.URL.Query().Get("$filter"))
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"Id": 3, "DisplayName": "O'Neil", "FullyQualifiedName": "Shared/O'Neil"},
		}})
	}))
	defer srv.Close()

	c := testClient()
	cc := patCredentials(srv.URL)

	folders, err := c.ListFolders(context.Background(), cc, "O'Neil")
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Shared/O'Neil", folders[0].FullyQualifiedName)

	id, err := c.FolderIDByPath(context.Background(), cc, "/Shared/O'Neil/")
	require.NoError(t, err)
	assert.Equal(t, "3", id)

	_, err = c.FolderIDByPath(context.Background(), cc, "Other/O'Neil")
	assert.True(t, apperr.IsUpstreamError(err))
}

func TestListProcesses(t *testing.T) {
	inputDefs := `[{"name":"invoice_path","type":"System.String, System.Private.CoreLib","required":true,"hasDefault":false},` +
		`{"name":"amount","type":"System.Int32, System.Private.CoreLib","required":true,"hasDefault":true},` +
		`{"name":"tags","type":"System.String[], System.Private.CoreLib","required":false,"hasDefault":false}]`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/odata/Releases", r.URL.Path)
		assert.Equal(t, "42", r.Header.Get("X-UIPATH-OrganizationUnitId"))
		writeJSON(w, map[string]any{"value": []map[string]any{
			{"Key": "rel-1", "Name": "InvoiceProcessing_Prod", "ProcessKey": "InvoiceProcessing",
				"Arguments": map[string]any{"Input": inputDefs}},
			{"Key": "rel-2", "Name": "InvoiceProcessing_Dup", "ProcessKey": "InvoiceProcessing"},
			{"Key": "rel-3", "Name": "Report", "ProcessKey": "Report",
				"Arguments": `{"InputArguments":{"enabled":true,"count":3}}`},
		}})
	}))
	defer srv.Close()

	processes, err := testClient().ListProcesses(context.Background(), patCredentials(srv.URL), "42")
	require.NoError(t, err)
	require.Len(t, processes, 2)

	invoice := processes[0]
	assert.Equal(t, "InvoiceProcessing", invoice.Key)
	assert.Equal(t, []ProcessArgument{
		{Name: "invoice_path", Type: "string", Required: true},
		{Name: "amount", Type: "number", Required: false},
		{Name: "tags", Type: "array", Required: false},
	}, invoice.Arguments)

	schema := invoice.InputSchema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"invoice_path"}, schema["required"])

	report := processes[1]
	assert.Equal(t, []ProcessArgument{
		{Name: "count", Type: "number"},
		{Name: "enabled", Type: "boolean"},
	}, report.Arguments)
}

func TestListProcessesRequiresFolder(t *testing.T) {
	_, err := testClient().ListProcesses(context.Background(), patCredentials("https://orch.local"), " ")
	assert.True(t, apperr.IsValidationFailed(err))
}

func TestMapDotNetType(t *testing.T) {
	cases := map[string]string{
		"System.String, System.Private.CoreLib":        "string",
		"System.Int64":                                 "number",
		"System.Decimal":                               "number",
		"System.Boolean":                               "boolean",
		"System.Object[]":                              "array",
		"System.Collections.Generic.Dictionary`2[...]": "object",
		"System.Data.DataTable, System.Data.Common":    "object",
		"UiPath.Custom.Thing":                          "string",
	}
	for in, want := range cases {
		assert.Equal(t, want, MapDotNetType(in), in)
	}
}

func TestMonitoringCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Stats/GetJobsStats":
			writeJSON(w, []map[string]any{{"title": "Successful", "count": 4}, {"title": "Faulted", "count": 1}})
		case "/monitoring/QueuesMonitoring/GetQueuesHealthState":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "true", r.Header.Get("x-uipath-orchestrator"))
			writeJSON(w, map[string]any{"healthy": 2})
		case "/monitoring/JobsMonitoring/GetProcessesTable":
			q := r.URL.Query()
			assert.Equal(t, "1", q.Get("pageNo"))
			assert.Equal(t, "100", q.Get("pageSize"))
			assert.Equal(t, "processName", q.Get("orderBy"))
			writeJSON(w, map[string]any{"data": []any{}})
		case "/odata/Buckets":
			assert.Equal(t, "contains(Name,'poc')", r.URL.Query().Get("$filter"))
			writeJSON(w, map[string]any{"@odata.count": 2, "value": []map[string]any{
				{"Id": 1, "Name": "poc-archive"}, {"Id": 2, "Name": "poc"},
			}})
		case "/odata/Buckets(2)/UiPath.Server.Configuration.OData.GetWriteUri":
			assert.Equal(t, `\run-1/report.pdf`, r.URL.Query().Get("path"))
			writeJSON(w, map[string]any{"Uri": "https://blob/put", "Verb": "PUT"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := testClient()
	cc := patCredentials(srv.URL)
	ctx := context.Background()

	stats, err := c.JobsStats(ctx, cc)
	require.NoError(t, err)
	assert.Equal(t, 5, stats["total"])

	health, err := c.QueuesHealthState(ctx, cc, "1", 1440)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"healthy": float64(2)}, health)

	_, err = c.ProcessesTable(ctx, cc, "1", TablePage{TimeFrameMinutes: 60})
	require.NoError(t, err)

	bucket, err := c.BucketByName(ctx, cc, "1", "poc")
	require.NoError(t, err)
	require.NotNil(t, bucket)
	assert.Equal(t, int64(2), bucket.ID)

	upload, err := c.BucketUploadURL(ctx, cc, "1", bucket.ID, "run-1", "report.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, "https://blob/put", upload.URI)
	assert.Equal(t, "run-1/report.pdf", upload.FullPath)
}
