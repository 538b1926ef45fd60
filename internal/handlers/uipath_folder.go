package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

// Orchestrator 内置工具使用的 Orchestrator 读取接口
type Orchestrator interface {
	ListFolders(ctx context.Context, cc models.CredentialContext, search string) ([]uipath.Folder, error)
	JobsStats(ctx context.Context, cc models.CredentialContext) (map[string]any, error)
	FinishedJobsEvolution(ctx context.Context, cc models.CredentialContext, folderID string, timeFrameMinutes int) (any, error)
	ProcessesTable(ctx context.Context, cc models.CredentialContext, folderID string, page uipath.TablePage) (any, error)
	QueuesHealthState(ctx context.Context, cc models.CredentialContext, folderID string, timeFrameMinutes int) (any, error)
	QueuesTable(ctx context.Context, cc models.CredentialContext, folderID string, page uipath.TablePage) (any, error)
	ProcessSchedules(ctx context.Context, cc models.CredentialContext, folderID string, top int) ([]uipath.Schedule, error)
	StorageBuckets(ctx context.Context, cc models.CredentialContext, folderID string, q uipath.BucketQuery) (*uipath.BucketList, error)
	BucketByName(ctx context.Context, cc models.CredentialContext, folderID, name string) (*uipath.Bucket, error)
	BucketUploadURL(ctx context.Context, cc models.CredentialContext, folderID string, bucketID int64, directory, fileName, contentType string) (*uipath.UploadURL, error)
}

type folderModule struct {
	client Orchestrator
}

// NewFolderModule 文件夹查询工具
func NewFolderModule(client Orchestrator) Module {
	return &folderModule{client: client}
}

func (m *folderModule) Name() string { return "uipath_folder" }

func (m *folderModule) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "uipath_get_folders",
			Description: "Get UiPath folders, optionally filtered by name. Returns folder information including ID, name, and description.",
			InputSchema: schema(map[string]any{
				"folder_name": prop("string", "Optional folder name to search for (partial match, case-insensitive)"),
			}),
			Function: "get_folders",
			Callable: CallableFunc(m.getFolders),
		},
		{
			Name:        "uipath_get_folder_id_by_name",
			Description: "Get folder ID by exact folder name. Useful for finding the organization_unit_id needed for other UiPath tools.",
			InputSchema: schema(map[string]any{
				"folder_name": prop("string", "Folder name to search for (exact match, case-insensitive)"),
			}, "folder_name"),
			Function: "get_folder_id_by_name",
			Callable: CallableFunc(m.getFolderIDByName),
		},
	}
}

func (m *folderModule) getFolders(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	folders, err := m.client.ListFolders(ctx, cc, stringArg(args, "folder_name", ""))
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(folders))
	for _, f := range folders {
		out = append(out, map[string]any{
			"id":          strconv.FormatInt(f.ID, 10),
			"name":        f.DisplayName,
			"full_name":   f.FullyQualifiedName,
			"description": f.Description,
		})
	}
	return out, nil
}

func (m *folderModule) getFolderIDByName(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	name, err := requiredString(args, "folder_name")
	if err != nil {
		return nil, err
	}

	folders, err := m.client.ListFolders(ctx, cc, name)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if strings.EqualFold(f.DisplayName, name) {
			return strconv.FormatInt(f.ID, 10), nil
		}
	}
	for _, f := range folders {
		if strings.EqualFold(f.FullyQualifiedName, name) {
			return strconv.FormatInt(f.ID, 10), nil
		}
	}

	logger.Warn("Folder '%s' not found", name)
	return nil, nil
}
