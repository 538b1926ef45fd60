package uipath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// 作业状态
const (
	JobStatePending    = "Pending"
	JobStateRunning    = "Running"
	JobStateSuccessful = "Successful"
	JobStateFaulted    = "Faulted"
	JobStateStopped    = "Stopped"
)

var errJobRunning = errors.New("job still running")

// Job Orchestrator 作业
type Job struct {
	ID              int64  `json:"Id"`
	Key             string `json:"Key"`
	State           string `json:"State"`
	Info            string `json:"Info"`
	OutputArguments string `json:"OutputArguments"`
	ReleaseName     string `json:"ReleaseName"`

	// FolderID 启动作业时使用的文件夹，轮询时沿用
	FolderID string `json:"-"`
}

// IsTerminal 是否已结束
func (j *Job) IsTerminal() bool {
	switch {
	case strings.EqualFold(j.State, JobStateSuccessful),
		strings.EqualFold(j.State, JobStateFaulted),
		strings.EqualFold(j.State, JobStateStopped):
		return true
	}
	return false
}

// Succeeded 是否成功结束
func (j *Job) Succeeded() bool {
	return strings.EqualFold(j.State, JobStateSuccessful)
}

// Output 解析输出参数（Orchestrator 以 JSON 字符串返回）
func (j *Job) Output() map[string]any {
	if strings.TrimSpace(j.OutputArguments) == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(j.OutputArguments), &out); err != nil {
		return map[string]any{"raw": j.OutputArguments}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// StartJobRequest 启动作业参数
type StartJobRequest struct {
	ProcessKey     string
	FolderID       string
	FolderPath     string
	InputArguments map[string]any
}

type odataList[T any] struct {
	Count *int `json:"@odata.count,omitempty"`
	Value []T  `json:"value"`
}

type release struct {
	ID             int64           `json:"Id"`
	Key            string          `json:"Key"`
	Name           string          `json:"Name"`
	ProcessKey     string          `json:"ProcessKey"`
	ProcessVersion string          `json:"ProcessVersion"`
	Description    string          `json:"Description"`
	Arguments      json.RawMessage `json:"Arguments"`
}

// StartJob 查找流程发布版本并启动一个无人值守作业
func (c *Client) StartJob(ctx context.Context, cc models.CredentialContext, req StartJobRequest) (*Job, error) {
	folderID := req.FolderID
	if folderID == "" && req.FolderPath != "" {
		id, err := c.FolderIDByPath(ctx, cc, req.FolderPath)
		if err != nil {
			return nil, err
		}
		folderID = id
	}

	releaseKey, err := c.releaseKey(ctx, cc, folderID, req.ProcessKey)
	if err != nil {
		return nil, err
	}

	input := req.InputArguments
	if input == nil {
		input = map[string]any{}
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, apperr.NewValidationError("input arguments are not serializable", err)
	}

	body := map[string]any{
		"startInfo": map[string]any{
			"ReleaseKey":     releaseKey,
			"Strategy":       "RobotCount",
			"NoOfRobots":     1,
			"RuntimeType":    "Unattended",
			"Source":         "Manual",
			"InputArguments": string(encoded),
		},
	}

	var resp odataList[Job]
	err = c.do(ctx, cc, request{
		method:   http.MethodPost,
		path:     "odata/Jobs/UiPath.Server.Configuration.OData.StartJobs",
		folderID: folderID,
		body:     body,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Value) == 0 {
		return nil, apperr.NewUpstreamError("orchestrator returned no job for "+req.ProcessKey, nil)
	}

	job := resp.Value[0]
	job.FolderID = folderID
	logger.Info("Started job %d (%s) for process %s in folder %s", job.ID, job.State, req.ProcessKey, folderID)
	return &job, nil
}

func (c *Client) releaseKey(ctx context.Context, cc models.CredentialContext, folderID, processKey string) (string, error) {
	var resp odataList[release]
	err := c.do(ctx, cc, request{
		method:   http.MethodGet,
		path:     "odata/Releases",
		query:    url.Values{"$filter": {fmt.Sprintf("ProcessKey eq '%s'", odataString(processKey))}},
		folderID: folderID,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Value) == 0 || resp.Value[0].Key == "" {
		return "", apperr.NewUpstreamError(fmt.Sprintf("no release found for process '%s'", processKey), nil).
			WithDetail("process", processKey)
	}
	return resp.Value[0].Key, nil
}

// GetJob 查询作业状态
func (c *Client) GetJob(ctx context.Context, cc models.CredentialContext, folderID string, jobID int64) (*Job, error) {
	var job Job
	err := c.do(ctx, cc, request{
		method:   http.MethodGet,
		path:     fmt.Sprintf("odata/Jobs(%d)", jobID),
		folderID: folderID,
	}, &job)
	if err != nil {
		return nil, err
	}
	job.FolderID = folderID
	return &job, nil
}

// PollFunc 每次轮询后回调，attempt 从 1 开始
type PollFunc func(attempt int, job *Job)

// WaitForJob 以固定间隔轮询直到作业结束或 ctx 结束
// 轮询失败立即返回，不重试
func (c *Client) WaitForJob(ctx context.Context, cc models.CredentialContext, folderID string, jobID int64, interval time.Duration, onPoll PollFunc) (*Job, error) {
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}

	attempt := 0
	operation := func() (*Job, error) {
		attempt++
		job, err := c.GetJob(ctx, cc, folderID, jobID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if onPoll != nil {
			onPoll(attempt, job)
		}
		if job.IsTerminal() {
			return job, nil
		}
		return nil, errJobRunning
	}

	job, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return job, nil
}
