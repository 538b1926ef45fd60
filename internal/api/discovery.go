package api

import (
	"net/http"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/models"
	"github.com/javaos74/uipath-mcp-server/internal/uipath"
)

type builtinToolView struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	InputSchema  models.JSONB `json:"input_schema"`
	FunctionPath string       `json:"function_path"`
	IsActive     bool         `json:"is_active"`
	HasAPIKey    bool         `json:"has_api_key"`
}

func (rt *Routes) listBuiltinTools(w http.ResponseWriter, r *http.Request) error {
	tools, err := rt.store.ListBuiltinTools(r.Context())
	if err != nil {
		return err
	}
	out := make([]builtinToolView, 0, len(tools))
	for i := range tools {
		t := &tools[i]
		out = append(out, builtinToolView{
			ID:           t.ID,
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			FunctionPath: t.FunctionPath,
			IsActive:     t.IsActive,
			HasAPIKey:    t.HasAPIKey(),
		})
	}
	return writeJSON(w, http.StatusOK, map[string]any{"builtin_tools": out, "count": len(out)})
}

// callerCredentials 发现接口使用调用者自己的 UiPath 配置
func callerCredentials(r *http.Request) (models.CredentialContext, error) {
	user, err := currentUser(r)
	if err != nil {
		return models.CredentialContext{}, err
	}
	if user.UiPathURL == "" {
		return models.CredentialContext{}, apperr.NewValidationError("UiPath URL is not configured for this user", nil)
	}
	return user.CredentialContext(), nil
}

func (rt *Routes) listFolders(w http.ResponseWriter, r *http.Request) error {
	cc, err := callerCredentials(r)
	if err != nil {
		return err
	}
	folders, err := rt.orch.ListFolders(r.Context(), cc, r.URL.Query().Get("search"))
	if err != nil {
		return err
	}
	if folders == nil {
		folders = []uipath.Folder{}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"folders": folders, "count": len(folders)})
}

type processView struct {
	uipath.Process
	InputSchema map[string]any `json:"input_schema"`
}

func (rt *Routes) listProcesses(w http.ResponseWriter, r *http.Request) error {
	cc, err := callerCredentials(r)
	if err != nil {
		return err
	}
	processes, err := rt.orch.ListProcesses(r.Context(), cc, r.URL.Query().Get("folder_id"))
	if err != nil {
		return err
	}
	out := make([]processView, 0, len(processes))
	for _, p := range processes {
		out = append(out, processView{Process: p, InputSchema: p.InputSchema()})
	}
	return writeJSON(w, http.StatusOK, map[string]any{"processes": out, "count": len(out)})
}

func (rt *Routes) sessionInfo(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, rt.sessions.Info())
}
