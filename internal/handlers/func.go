package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/javaos74/uipath-mcp-server/internal/logger"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// legacyPrefix 旧版目录中保存的函数路径可能带有该前缀
const legacyPrefix = "src.builtin."

// ToolCallable 内置工具的可调用实现
// args 已通过工具 schema 校验；cc 为服务器所有者的 Orchestrator 凭据
type ToolCallable interface {
	Call(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error)
}

// CallableFunc 函数适配器
type CallableFunc func(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error)

// Call 实现 ToolCallable
func (f CallableFunc) Call(ctx context.Context, args map[string]any, cc models.CredentialContext) (any, error) {
	return f(ctx, args, cc)
}

// Descriptor 内置工具描述
type Descriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
	// Function 模块内函数名，完整路径为 module.function
	Function string
	Callable ToolCallable

	// Path 由注册表在 Discover 时填充
	Path string
}

// Module 一组内置工具
type Module interface {
	Name() string
	Tools() []Descriptor
}

// ToolHandlerRegistry 内置工具注册表，按函数路径解析可调用实现
type ToolHandlerRegistry struct {
	modules  map[string]Module
	resolved map[string]ToolCallable
	mutex    sync.RWMutex
}

// NewToolHandlerRegistry 创建注册表
func NewToolHandlerRegistry(modules ...Module) *ToolHandlerRegistry {
	registry := &ToolHandlerRegistry{
		modules:  make(map[string]Module),
		resolved: make(map[string]ToolCallable),
	}
	for _, m := range modules {
		registry.RegisterModule(m)
	}
	return registry
}

// RegisterModule 注册模块，同名模块会被替换
func (r *ToolHandlerRegistry) RegisterModule(m Module) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := m.Name()
	if _, exists := r.modules[name]; exists {
		logger.Warn("Replacing builtin module %s", name)
		for path := range r.resolved {
			if strings.HasPrefix(path, name+".") {
				delete(r.resolved, path)
			}
		}
	}
	r.modules[name] = m
}

// Discover 列出所有模块声明的工具，按模块名排序
func (r *ToolHandlerRegistry) Discover() []Descriptor {
	r.mutex.RLock()
	names := make([]string, 0, len(r.modules))
	modules := make(map[string]Module, len(r.modules))
	for name, m := range r.modules {
		names = append(names, name)
		modules[name] = m
	}
	r.mutex.RUnlock()
	sort.Strings(names)

	var out []Descriptor
	for _, name := range names {
		for _, d := range modules[name].Tools() {
			d.Path = name + "." + d.Function
			out = append(out, d)
		}
	}
	logger.Debug("Discovered %d builtin tools in %d modules", len(out), len(names))
	return out
}

// Resolve 根据 module.function 路径查找可调用实现，结果会被缓存
func (r *ToolHandlerRegistry) Resolve(path string) (ToolCallable, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), legacyPrefix)

	r.mutex.RLock()
	if callable, ok := r.resolved[path]; ok {
		r.mutex.RUnlock()
		return callable, nil
	}
	r.mutex.RUnlock()

	idx := strings.LastIndex(path, ".")
	if idx <= 0 || idx == len(path)-1 {
		return nil, fmt.Errorf("invalid function path %q", path)
	}
	moduleName, function := path[:idx], path[idx+1:]

	r.mutex.Lock()
	defer r.mutex.Unlock()

	m, ok := r.modules[moduleName]
	if !ok {
		return nil, fmt.Errorf("builtin module %q not found", moduleName)
	}
	for _, d := range m.Tools() {
		if d.Function == function && d.Callable != nil {
			r.resolved[path] = d.Callable
			return d.Callable, nil
		}
	}
	return nil, fmt.Errorf("function %q not found in module %q", function, moduleName)
}
