package uipath

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// Folder Orchestrator 文件夹
type Folder struct {
	ID                 int64  `json:"id"`
	DisplayName        string `json:"display_name"`
	FullyQualifiedName string `json:"fully_qualified_name"`
	Description        string `json:"description"`
	ProvisionType      string `json:"provision_type,omitempty"`
	FolderType         string `json:"folder_type,omitempty"`
}

type folderDTO struct {
	ID                 int64  `json:"Id"`
	DisplayName        string `json:"DisplayName"`
	FullyQualifiedName string `json:"FullyQualifiedName"`
	Description        string `json:"Description"`
	ProvisionType      string `json:"ProvisionType"`
	FolderType         string `json:"FolderType"`
}

// ListFolders 列出文件夹，search 匹配显示名或完整路径
func (c *Client) ListFolders(ctx context.Context, cc models.CredentialContext, search string) ([]Folder, error) {
	query := url.Values{"$orderby": {"FullyQualifiedName asc"}}
	if search = strings.TrimSpace(search); search != "" {
		s := odataString(search)
		query.Set("$filter", fmt.Sprintf("contains(DisplayName,'%s') or contains(FullyQualifiedName,'%s')", s, s))
	}

	var resp odataList[folderDTO]
	if err := c.do(ctx, cc, request{method: http.MethodGet, path: "odata/Folders", query: query}, &resp); err != nil {
		return nil, err
	}

	folders := make([]Folder, 0, len(resp.Value))
	for _, f := range resp.Value {
		folders = append(folders, Folder{
			ID:                 f.ID,
			DisplayName:        f.DisplayName,
			FullyQualifiedName: f.FullyQualifiedName,
			Description:        f.Description,
			ProvisionType:      f.ProvisionType,
			FolderType:         f.FolderType,
		})
	}
	return folders, nil
}

// FolderIDByPath 把 "/Production/Finance" 这样的路径解析为文件夹 ID
func (c *Client) FolderIDByPath(ctx context.Context, cc models.CredentialContext, path string) (string, error) {
	want := strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
	if want == "" {
		return "", nil
	}
	segments := strings.Split(want, "/")

	folders, err := c.ListFolders(ctx, cc, segments[len(segments)-1])
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		if strings.EqualFold(f.FullyQualifiedName, want) {
			return strconv.FormatInt(f.ID, 10), nil
		}
	}
	// 单级路径也允许按显示名匹配
	if len(segments) == 1 {
		for _, f := range folders {
			if strings.EqualFold(f.DisplayName, want) {
				return strconv.FormatInt(f.ID, 10), nil
			}
		}
	}
	return "", apperr.NewUpstreamError(fmt.Sprintf("folder '%s' not found in orchestrator", path), nil).
		WithDetail("folder_path", path)
}

// ProcessArgument 流程输入参数
type ProcessArgument struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Process 文件夹中可启动的流程
type Process struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	ReleaseKey  string            `json:"release_key"`
	Arguments   []ProcessArgument `json:"input_arguments"`
}

// InputSchema 根据输入参数生成 JSON Schema
func (p *Process) InputSchema() map[string]any {
	properties := make(map[string]any, len(p.Arguments))
	required := make([]any, 0)
	for _, arg := range p.Arguments {
		prop := map[string]any{"type": arg.Type}
		if arg.Description != "" {
			prop["description"] = arg.Description
		}
		properties[arg.Name] = prop
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ListProcesses 列出文件夹中的流程，按流程键去重
func (c *Client) ListProcesses(ctx context.Context, cc models.CredentialContext, folderID string) ([]Process, error) {
	if strings.TrimSpace(folderID) == "" {
		return nil, apperr.NewValidationError("folder_id is required", nil)
	}

	var resp odataList[release]
	err := c.do(ctx, cc, request{
		method:   http.MethodGet,
		path:     "odata/Releases",
		query:    url.Values{"$orderby": {"Name asc"}},
		folderID: folderID,
	}, &resp)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(resp.Value))
	processes := make([]Process, 0, len(resp.Value))
	for _, r := range resp.Value {
		key := r.ProcessKey
		if key == "" {
			key = r.Name
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		processes = append(processes, Process{
			Key:         key,
			Name:        r.Name,
			Description: r.Description,
			Version:     r.ProcessVersion,
			ReleaseKey:  r.Key,
			Arguments:   parseArguments(r.Arguments),
		})
	}
	logger.Debug("Found %d processes in folder %s", len(processes), folderID)
	return processes, nil
}

type argumentDef struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Required   bool   `json:"required"`
	HasDefault bool   `json:"hasDefault"`
}

// parseArguments 解析发布版本的 Arguments 字段
// 可能是对象，也可能是 JSON 字符串；Input 为参数定义数组（常以字符串嵌套），
// InputArguments 为参数名到默认值的字典
func parseArguments(raw json.RawMessage) []ProcessArgument {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		raw = json.RawMessage(nested)
	}

	var args map[string]json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}

	if input, ok := args["Input"]; ok {
		var defsRaw = input
		var s string
		if err := json.Unmarshal(input, &s); err == nil {
			defsRaw = json.RawMessage(s)
		}
		var defs []argumentDef
		if err := json.Unmarshal(defsRaw, &defs); err == nil {
			out := make([]ProcessArgument, 0, len(defs))
			for _, d := range defs {
				if d.Name == "" {
					continue
				}
				out = append(out, ProcessArgument{
					Name:     d.Name,
					Type:     MapDotNetType(d.Type),
					Required: d.Required && !d.HasDefault,
				})
			}
			return out
		}
	}

	if input, ok := args["InputArguments"]; ok {
		var values map[string]any
		if err := json.Unmarshal(input, &values); err == nil {
			out := make([]ProcessArgument, 0, len(values))
			for name, v := range values {
				out = append(out, ProcessArgument{Name: name, Type: jsonType(v)})
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
			return out
		}
	}
	return nil
}

// MapDotNetType 把 .NET 类型名映射为 JSON Schema 类型
func MapDotNetType(dotnet string) string {
	t := strings.ToLower(dotnet)
	switch {
	case strings.Contains(t, "[]"):
		return "array"
	case strings.Contains(t, "system.string"):
		return "string"
	case strings.Contains(t, "system.int"), strings.Contains(t, "system.double"),
		strings.Contains(t, "system.decimal"), strings.Contains(t, "system.single"):
		return "number"
	case strings.Contains(t, "system.boolean"):
		return "boolean"
	case strings.Contains(t, "system.object"), strings.Contains(t, "system.collections"),
		strings.Contains(t, "system.data.datatable"):
		return "object"
	}
	return "string"
}

func jsonType(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return "string"
}
