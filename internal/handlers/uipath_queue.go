package handlers

import (
	"context"

	"github.com/javaos74/uipath-mcp-server/internal/models"
)

type queueModule struct {
	client Orchestrator
}

// NewQueueModule 队列监控工具
func NewQueueModule(client Orchestrator) Module {
	return &queueModule{client: client}
}

func (m *queueModule) Name() string { return "uipath_queue" }

func (m *queueModule) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "uipath_get_queues_health_state",
			Description: "Get the health state of all queues from UiPath Orchestrator, indicating the overall status of queue processing",
			InputSchema: schema(map[string]any{
				"time_frame_minutes": propDefault("integer", "Time frame in minutes (default: 1440 = 24 hours)", defaultTimeFrameMinutes),
				"folder_id":          prop("integer", "Folder ID (organization unit ID) - required"),
			}, "folder_id"),
			Function: "get_queues_health_state",
			Callable: CallableFunc(m.getQueuesHealthState),
		},
		{
			Name:        "uipath_get_queues_table",
			Description: "Get a paginated table of queues with statistics including item counts, SLA status, average handling time, and estimated completion time",
			InputSchema: schema(map[string]any{
				"time_frame_minutes": propDefault("integer", "Time frame in minutes (default: 1440 = 24 hours)", defaultTimeFrameMinutes),
				"page_no":            propDefault("integer", "Page number (default: 1)", 1),
				"page_size":          propDefault("integer", "Number of items per page (default: 100)", 100),
				"folder_id":          prop("integer", "Folder ID (organization unit ID) - required"),
			}, "folder_id"),
			Function: "get_queues_table",
			Callable: CallableFunc(m.getQueuesTable),
		},
	}
}

func (m *queueModule) getQueuesHealthState(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folderID, err := requiredID(args, "folder_id")
	if err != nil {
		return nil, err
	}
	timeFrame, err := intArg(args, "time_frame_minutes", defaultTimeFrameMinutes)
	if err != nil {
		return nil, err
	}
	return m.client.QueuesHealthState(ctx, cc, folderID, timeFrame)
}

func (m *queueModule) getQueuesTable(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folderID, err := requiredID(args, "folder_id")
	if err != nil {
		return nil, err
	}
	page, err := tablePage(args)
	if err != nil {
		return nil, err
	}
	return m.client.QueuesTable(ctx, cc, folderID, page)
}
