package builtin

import (
	"fmt"
	"strings"
)

func requiredString(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("缺少必需参数: %s", key)
	}
	return v, nil
}

func optionalString(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func optionalFloat(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func optionalInt(params map[string]any, key string, def int) int {
	if f := optionalFloat(params, key); f > 0 {
		return int(f)
	}
	return def
}

func stringList(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func objectSchema(required []string, properties map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
