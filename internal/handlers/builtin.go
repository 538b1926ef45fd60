package handlers

import "github.com/javaos74/uipath-mcp-server/internal/config"

// BuiltinModules 返回随服务发布的全部内置工具模块
func BuiltinModules(client Orchestrator, cfg config.BuiltinConfig) []Module {
	return []Module{
		NewFolderModule(client),
		NewJobModule(client),
		NewQueueModule(client),
		NewScheduleModule(client),
		NewStorageBucketModule(client),
		NewGoogleSearchModule(cfg.SearchEndpoint, cfg.SearchEngineID),
	}
}
