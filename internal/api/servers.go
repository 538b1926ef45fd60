package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

type serverResponse struct {
	models.MCPServer
	HasToken bool `json:"has_token"`
}

type serverListResponse struct {
	Servers []serverResponse `json:"servers"`
}

type toolListResponse struct {
	Server serverResponse   `json:"server"`
	Tools  []models.MCPTool `json:"tools"`
}

type tokenResponse struct {
	Token    *string `json:"token"`
	HasToken bool    `json:"has_token"`
}

// listServers 普通用户只能看到自己的服务器，管理员看到全部
func (rt *Routes) listServers(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	owner := user.ID
	if user.IsAdmin() {
		owner = 0
	}

	servers, err := rt.store.ListServersByUser(r.Context(), owner)
	if err != nil {
		return err
	}
	resp := serverListResponse{Servers: make([]serverResponse, 0, len(servers))}
	for i := range servers {
		resp.Servers = append(resp.Servers, serverResponse{MCPServer: servers[i], HasToken: servers[i].HasToken()})
	}
	return writeJSON(w, http.StatusOK, resp)
}

// ownedServer 按路由参数加载服务器，要求调用者为所有者或管理员
func (rt *Routes) ownedServer(r *http.Request) (*models.MCPServer, *models.User, error) {
	user, err := currentUser(r)
	if err != nil {
		return nil, nil, err
	}
	server, err := rt.store.GetServerByName(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "server"))
	if err != nil {
		return nil, nil, err
	}
	if err := checkAccess(user, server); err != nil {
		return nil, nil, err
	}
	return server, user, nil
}

func checkAccess(user *models.User, server *models.MCPServer) error {
	if server.UserID != user.ID && !user.IsAdmin() {
		return apperr.NewAuthenticationError("you do not have access to this server", nil)
	}
	return nil
}

func (rt *Routes) listTools(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	st, err := rt.store.GetServerWithTools(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "server"))
	if err != nil {
		return err
	}
	if err := checkAccess(user, &st.Server); err != nil {
		return err
	}
	tools := st.Tools
	if tools == nil {
		tools = []models.MCPTool{}
	}
	return writeJSON(w, http.StatusOK, toolListResponse{
		Server: serverResponse{MCPServer: st.Server, HasToken: st.Server.HasToken()},
		Tools:  tools,
	})
}

func (rt *Routes) getToken(w http.ResponseWriter, r *http.Request) error {
	server, _, err := rt.ownedServer(r)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, tokenResponse{Token: server.APIToken, HasToken: server.HasToken()})
}

func (rt *Routes) rotateToken(w http.ResponseWriter, r *http.Request) error {
	server, user, err := rt.ownedServer(r)
	if err != nil {
		return err
	}
	token, err := rt.store.GenerateServerToken(r.Context(), server.ID)
	if err != nil {
		return err
	}
	logger.Info("User %s rotated the API token of %s", user.Username, server.Key())
	return writeJSON(w, http.StatusOK, tokenResponse{Token: &token, HasToken: true})
}

func (rt *Routes) revokeToken(w http.ResponseWriter, r *http.Request) error {
	server, user, err := rt.ownedServer(r)
	if err != nil {
		return err
	}
	if err := rt.store.RevokeServerToken(r.Context(), server.ID); err != nil {
		return err
	}
	logger.Info("User %s revoked the API token of %s", user.Username, server.Key())
	w.WriteHeader(http.StatusNoContent)
	return nil
}
