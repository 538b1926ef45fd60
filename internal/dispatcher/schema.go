package dispatcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
	"github.com/javaos74/uipath-mcp-server/internal/models"
)

// schemaCache 按工具名和 schema 内容缓存编译结果，schema 变更后自动失效
type schemaCache struct {
	mutex   sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) get(tool *models.MCPTool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.InputSchema.ObjectSchema())
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	key := tool.Name + "@" + hex.EncodeToString(sum[:8])

	c.mutex.RLock()
	compiled, ok := c.schemas[key]
	c.mutex.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err = jsonschema.CompileString("tool_"+tool.Name+".json", string(raw))
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	c.schemas[key] = compiled
	c.mutex.Unlock()
	return compiled, nil
}

// validate 校验参数，失败时返回带逐项错误的 ValidationFailed
func (c *schemaCache) validate(tool *models.MCPTool, args map[string]any) error {
	compiled, err := c.get(tool)
	if err != nil {
		return apperr.NewExecutionError(fmt.Sprintf("tool '%s' has an invalid input schema", tool.Name), err)
	}

	err = compiled.Validate(args)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return apperr.NewValidationError("arguments could not be validated", err)
	}

	var problems []string
	collectLeaves(ve, &problems)
	if len(problems) == 0 {
		problems = append(problems, ve.Error())
	}

	return apperr.NewValidationError(fmt.Sprintf("arguments do not match the schema of tool '%s'", tool.Name), nil).
		WithDetail("errors", problems)
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}
