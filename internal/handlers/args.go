package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperr "github.com/javaos74/uipath-mcp-server/internal/errors"
)

func stringArg(args map[string]any, key, def string) string {
	switch v := args[key].(type) {
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return def
}

func requiredString(args map[string]any, key string) (string, error) {
	v := stringArg(args, key, "")
	if v == "" {
		return "", apperr.NewValidationError(key+" is required", nil).WithDetail("argument", key)
	}
	return v, nil
}

func intArg(args map[string]any, key string, def int) (int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, apperr.NewValidationError(fmt.Sprintf("%s must be an integer", key), err)
		}
		return int(n), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return def, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, apperr.NewValidationError(fmt.Sprintf("%s must be an integer", key), err)
		}
		return n, nil
	}
	return 0, apperr.NewValidationError(fmt.Sprintf("%s must be an integer, got %T", key, raw), nil)
}

// requiredID 文件夹/存储桶 ID 既可能以数字也可能以字符串传入
func requiredID(args map[string]any, key string) (string, error) {
	id, err := requiredString(args, key)
	if err != nil {
		return "", err
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", apperr.NewValidationError(key+" must be numeric", err).WithDetail("argument", key)
	}
	return id, nil
}

// schema 构造对象 schema 的简写
func schema(properties map[string]any, required ...string) map[string]any {
	req := make([]any, 0, len(required))
	for _, r := range required {
		req = append(req, r)
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   req,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func propDefault(typ, description string, def any) map[string]any {
	p := prop(typ, description)
	p["default"] = def
	return p
}
