package handlers

import (
	"context"
	"fmt"

	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// BuiltinToolsVersion 内置工具目录版本，修改工具定义时递增
const BuiltinToolsVersion = 3

// CatalogStore 内置工具目录的持久化接口
type CatalogStore interface {
	GetBuiltinToolsVersion(ctx context.Context) (int, error)
	SetBuiltinToolsVersion(ctx context.Context, version int) error
	UpsertBuiltinTool(ctx context.Context, tool *models.BuiltinTool) error
}

// ToBuiltinTool 把描述转换为目录行
func ToBuiltinTool(d Descriptor) *models.BuiltinTool {
	path := d.Path
	if path == "" {
		path = d.Function
	}
	return &models.BuiltinTool{
		Name:         d.Name,
		Description:  d.Description,
		InputSchema:  models.JSONB(d.InputSchema),
		FunctionPath: path,
		IsActive:     true,
	}
}

// RegisterBuiltinTools 目录版本落后时按名称写入所有描述并记录新版本
// 返回写入的行数；已是最新版本时不做任何写入
func RegisterBuiltinTools(ctx context.Context, store CatalogStore, descriptors []Descriptor, version int) (int, error) {
	stored, err := store.GetBuiltinToolsVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read builtin tools version: %w", err)
	}
	if stored >= version {
		logger.Info("Builtin tools catalog is up to date (version %d)", stored)
		return 0, nil
	}

	logger.Info("Upgrading builtin tools catalog from version %d to %d", stored, version)
	written := 0
	for _, d := range descriptors {
		if err := store.UpsertBuiltinTool(ctx, ToBuiltinTool(d)); err != nil {
			return written, fmt.Errorf("failed to register builtin tool %s: %w", d.Name, err)
		}
		written++
	}

	if err := store.SetBuiltinToolsVersion(ctx, version); err != nil {
		return written, fmt.Errorf("failed to record builtin tools version: %w", err)
	}
	logger.InfoWithFields("Builtin tools registered", map[string]interface{}{
		"count":   written,
		"version": version,
	})
	return written, nil
}
