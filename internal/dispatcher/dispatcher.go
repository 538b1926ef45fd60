package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/javaos74/uipath-mcp-server/internal/config"
	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/handlers"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

// JobRunner 远程流程的启动与等待
type JobRunner interface {
	StartJob(ctx context.Context, cc models.CredentialContext, req uipath.StartJobRequest) (*uipath.Job, error)
	WaitForJob(ctx context.Context, cc models.CredentialContext, folderID string, jobID int64, interval time.Duration, onPoll uipath.PollFunc) (*uipath.Job, error)
}

// Resolver 按函数路径解析内置工具
type Resolver interface {
	Resolve(path string) (handlers.ToolCallable, error)
}

// Observer 工具调用观测回调
type Observer interface {
	ObserveToolCall(branch models.ToolKind, kind string, duration time.Duration)
}

// ProgressFunc 进度通知，progress/total 为百分比
type ProgressFunc func(progress, total float64, message string)

// LogFunc 日志通知
type LogFunc func(level, message string, data map[string]any)

// Call 一次工具调用
type Call struct {
	Tools     *ToolSet
	Name      string
	Arguments json.RawMessage
	Progress  ProgressFunc
	Log       LogFunc
}

func (c *Call) progress(p float64, message string) {
	if c.Progress != nil {
		c.Progress(p, 100, message)
	}
}

func (c *Call) log(level, message string, data map[string]any) {
	if c.Log != nil {
		c.Log(level, message, data)
	}
}

// Dispatcher 校验参数并执行远程流程或内置工具
type Dispatcher struct {
	jobs     JobRunner
	registry Resolver
	timeout  time.Duration
	interval time.Duration
	schemas  *schemaCache
	observer Observer
}

// Option 配置项
type Option func(*Dispatcher)

// WithObserver 设置调用观测
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New 创建调度器
func New(jobs JobRunner, registry Resolver, cfg config.UiPathConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		jobs:     jobs,
		registry: registry,
		timeout:  cfg.ToolCallTimeout,
		interval: cfg.PollInterval,
		schemas:  newSchemaCache(),
	}
	if d.timeout <= 0 {
		d.timeout = 600 * time.Second
	}
	if d.interval <= 0 {
		d.interval = 2 * time.Second
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch 执行一次工具调用，总是返回结果而不是错误
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) *Result {
	start := time.Now()
	result := &Result{Tool: call.Name}

	value, branch, err := d.dispatch(ctx, &call)
	result.Duration = time.Since(start)
	result.Branch = branch
	if err != nil {
		result.Err = classify(err)
	} else {
		result.Value = value
	}

	if d.observer != nil {
		d.observer.ObserveToolCall(branch, result.KindLabel(), result.Duration)
	}
	if result.Err != nil {
		logger.WarnWithFields("Tool call failed", map[string]interface{}{
			"tool":     call.Name,
			"kind":     string(result.Err.Kind),
			"error":    result.Err.Message,
			"duration": result.Duration.String(),
		})
	} else {
		logger.Info("Tool %s completed in %s", call.Name, result.Duration)
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, call *Call) (map[string]any, models.ToolKind, error) {
	if call.Tools == nil {
		return nil, "", apperr.NewNotFoundError("Unknown tool: "+call.Name, nil)
	}
	tool, ok := call.Tools.Lookup(call.Name)
	if !ok {
		return nil, "", apperr.NewNotFoundError("Unknown tool: "+call.Name, nil).WithDetail("tool", call.Name)
	}
	branch := tool.Kind()

	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return nil, branch, err
	}
	if err := d.schemas.validate(tool, args); err != nil {
		return nil, branch, err
	}

	switch branch {
	case models.ToolKindBuiltin:
		value, err := d.runBuiltin(ctx, call, tool, args)
		return value, branch, err
	default:
		value, err := d.runRemote(ctx, call, tool, args)
		return value, branch, err
	}
}

// decodeArguments 空参数视为空对象；数字保留为 json.Number
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, apperr.NewValidationError("arguments must be a JSON object", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (d *Dispatcher) runRemote(ctx context.Context, call *Call, tool *models.MCPTool, args map[string]any) (map[string]any, error) {
	ts := call.Tools
	process := tool.ProcessName()

	jobCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	call.progress(0, fmt.Sprintf("Starting process '%s'", process))
	job, err := d.jobs.StartJob(jobCtx, ts.Credentials, uipath.StartJobRequest{
		ProcessKey:     process,
		FolderID:       tool.FolderID(),
		FolderPath:     tool.FolderPath(),
		InputArguments: args,
	})
	if err != nil {
		if ctxErr := d.contextError(ctx, jobCtx, process, nil); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	maxPolls := math.Max(1, float64(d.timeout/d.interval))
	final, err := d.jobs.WaitForJob(jobCtx, ts.Credentials, job.FolderID, job.ID, d.interval, func(attempt int, j *uipath.Job) {
		p := math.Min(10+float64(attempt)*80/maxPolls, 90)
		call.progress(p, fmt.Sprintf("Job %d is %s", j.ID, j.State))
	})
	if err != nil {
		if ctxErr := d.contextError(ctx, jobCtx, process, job); ctxErr != nil {
			if apperr.IsTimeout(ctxErr) {
				call.log("warning", ctxErr.Error(), map[string]any{"job_id": job.ID})
			}
			return nil, ctxErr
		}
		return nil, err
	}

	switch {
	case final.Succeeded():
		call.progress(100, fmt.Sprintf("Process '%s' completed", process))
		message := fmt.Sprintf("Process '%s' completed successfully", process)
		call.log("info", message, map[string]any{"job_id": final.ID})
		return map[string]any{
			"success": true,
			"job_id":  final.ID,
			"status":  "successful",
			"message": message,
			"output":  final.Output(),
		}, nil
	default:
		status := "faulted"
		if final.State == uipath.JobStateStopped {
			status = "stopped"
		}
		message := fmt.Sprintf("Process '%s' %s", process, status)
		call.log("error", message, map[string]any{"job_id": final.ID, "info": final.Info})
		return nil, apperr.NewExecutionError(message, nil).
			WithDetail("job_id", final.ID).
			WithDetail("status", status).
			WithDetail("info", final.Info)
	}
}

// contextError 区分调用上限超时与会话取消
func (d *Dispatcher) contextError(parent, jobCtx context.Context, process string, job *uipath.Job) error {
	if jobCtx.Err() == nil {
		return nil
	}
	if parent.Err() != nil {
		return apperr.NewExecutionError("tool call cancelled", parent.Err())
	}

	e := apperr.NewTimeoutError(
		fmt.Sprintf("Process '%s' did not finish within %s. Job may still be running", process, d.timeout), nil).
		WithDetail("timeout_seconds", int(d.timeout.Seconds()))
	if job != nil {
		e.WithDetail("job_id", job.ID)
	}
	return e
}

type outcome struct {
	value any
	err   error
}

func (d *Dispatcher) runBuiltin(ctx context.Context, call *Call, tool *models.MCPTool, args map[string]any) (map[string]any, error) {
	row, ok := call.Tools.Builtin(*tool.BuiltinToolID)
	if !ok || !row.IsActive {
		return nil, apperr.NewNotFoundError(fmt.Sprintf("builtin tool for '%s' is not available", tool.Name), nil)
	}

	callable, err := d.registry.Resolve(row.FunctionPath)
	if err != nil {
		return nil, apperr.NewExecutionError(fmt.Sprintf("builtin function '%s' cannot be resolved", row.FunctionPath), err)
	}

	if row.HasAPIKey() {
		args["api_key"] = *row.APIKey
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Builtin %s panicked: %v\n%s", row.FunctionPath, r, debug.Stack())
				done <- outcome{err: apperr.NewExecutionError(fmt.Sprintf("builtin tool '%s' panicked: %v", row.Name, r), nil)}
			}
		}()
		value, err := callable.Call(runCtx, args, call.Tools.Credentials)
		done <- outcome{value: value, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return normalize(o.value)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, apperr.NewExecutionError("tool call cancelled", ctx.Err())
		}
		return nil, apperr.NewTimeoutError(fmt.Sprintf("builtin tool '%s' did not finish within %s", row.Name, d.timeout), nil)
	}
}

// normalize 把返回值转成对象：非对象包装为 {"result": ...}，缺少 success 时补 true
func normalize(value any) (map[string]any, error) {
	out, ok := value.(map[string]any)
	if !ok && value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, apperr.NewExecutionError("builtin result is not serializable", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, apperr.NewExecutionError("builtin result is not serializable", err)
		}
		out, ok = generic.(map[string]any)
		if !ok {
			out = map[string]any{"result": generic}
		}
	}
	if out == nil {
		out = map[string]any{"result": nil}
	}
	if _, exists := out["success"]; !exists {
		out["success"] = true
	}
	return out, nil
}

// classify 未分类错误视为执行错误
func classify(err error) *apperr.Error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e
	}
	return apperr.NewExecutionError(err.Error(), err)
}
