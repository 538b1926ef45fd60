package handlers

import (
	"context"

	"github.com/javaos74/uipath-mcp-server/internal/models"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

const defaultTimeFrameMinutes = 1440

type jobModule struct {
	client Orchestrator
}

// NewJobModule 作业监控工具
func NewJobModule(client Orchestrator) Module {
	return &jobModule{client: client}
}

func (m *jobModule) Name() string { return "uipath_job" }

func (m *jobModule) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "uipath_get_jobs_stats",
			Description: "Get job statistics from UiPath Orchestrator showing counts by status (Successful, Faulted, Stopped, Running, Pending, etc.)",
			InputSchema: schema(map[string]any{}),
			Function:    "get_jobs_stats",
			Callable:    CallableFunc(m.getJobsStats),
		},
		{
			Name:        "uipath_get_finished_jobs_evolution",
			Description: "Get time-series data showing the evolution of finished jobs (successful, errors, stopped) over a specified time period",
			InputSchema: schema(map[string]any{
				"time_frame_minutes":   propDefault("integer", "Time frame in minutes (default: 1440 = 24 hours)", defaultTimeFrameMinutes),
				"organization_unit_id": prop("integer", "Organization unit ID (required)"),
			}, "organization_unit_id"),
			Function: "get_finished_jobs_evolution",
			Callable: CallableFunc(m.getFinishedJobsEvolution),
		},
		{
			Name:        "uipath_get_processes_table",
			Description: "Get a paginated table of processes with job execution statistics including counts by status, average duration, and average pending time",
			InputSchema: schema(map[string]any{
				"time_frame_minutes":   propDefault("integer", "Time frame in minutes (default: 1440 = 24 hours)", defaultTimeFrameMinutes),
				"page_no":              propDefault("integer", "Page number (default: 1)", 1),
				"page_size":            propDefault("integer", "Number of items per page (default: 100)", 100),
				"organization_unit_id": prop("integer", "Organization unit ID (required)"),
			}, "organization_unit_id"),
			Function: "get_processes_table",
			Callable: CallableFunc(m.getProcessesTable),
		},
	}
}

func (m *jobModule) getJobsStats(ctx context.Context, _ map[string]any, cc models.CredentialContext) (any, error) {
	return m.client.JobsStats(ctx, cc)
}

func (m *jobModule) getFinishedJobsEvolution(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folderID, err := requiredID(args, "organization_unit_id")
	if err != nil {
		return nil, err
	}
	timeFrame, err := intArg(args, "time_frame_minutes", defaultTimeFrameMinutes)
	if err != nil {
		return nil, err
	}
	return m.client.FinishedJobsEvolution(ctx, cc, folderID, timeFrame)
}

func (m *jobModule) getProcessesTable(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folderID, err := requiredID(args, "organization_unit_id")
	if err != nil {
		return nil, err
	}
	page, err := tablePage(args)
	if err != nil {
		return nil, err
	}
	return m.client.ProcessesTable(ctx, cc, folderID, page)
}

func tablePage(args map[string]any) (uipath.TablePage, error) {
	var page uipath.TablePage
	var err error
	if page.TimeFrameMinutes, err = intArg(args, "time_frame_minutes", defaultTimeFrameMinutes); err != nil {
		return page, err
	}
	if page.PageNo, err = intArg(args, "page_no", 1); err != nil {
		return page, err
	}
	if page.PageSize, err = intArg(args, "page_size", 100); err != nil {
		return page, err
	}
	return page, nil
}
