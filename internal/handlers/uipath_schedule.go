package handlers

import (
	"context"

	"github.com/javaos74/uipath-mcp-server/internal/models"
)

type scheduleModule struct {
	client Orchestrator
}

// NewScheduleModule 流程触发器工具
func NewScheduleModule(client Orchestrator) Module {
	return &scheduleModule{client: client}
}

func (m *scheduleModule) Name() string { return "uipath_schedule" }

func (m *scheduleModule) Tools() []Descriptor {
	return []Descriptor{{
		Name:        "uipath_get_process_schedules",
		Description: "Get process schedules from UiPath Orchestrator showing enabled status, release name, cron schedule summary, and next occurrence time",
		InputSchema: schema(map[string]any{
			"folder_id": prop("integer", "Folder ID (organization unit ID) - required"),
			"top":       propDefault("integer", "Maximum number of schedules to return (default: 100)", 100),
		}, "folder_id"),
		Function: "get_process_schedules",
		Callable: CallableFunc(m.getProcessSchedules),
	}}
}

func (m *scheduleModule) getProcessSchedules(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folderID, err := requiredID(args, "folder_id")
	if err != nil {
		return nil, err
	}
	top, err := intArg(args, "top", 100)
	if err != nil {
		return nil, err
	}

	schedules, err := m.client.ProcessSchedules(ctx, cc, folderID, top)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schedules": schedules, "count": len(schedules)}, nil
}
