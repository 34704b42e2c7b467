package trigger

import (
	"strconv"
	"time"
)

// Evaluate 所有已声明的谓词都成立时返回 true
func (c Conditions) Evaluate(attrs map[string]any) bool {
	if c.BudgetGreaterThan != nil {
		budget, ok := toFloat(attrs["budget"])
		if !ok || budget <= *c.BudgetGreaterThan {
			return false
		}
	}
	if len(c.HasTags) > 0 && !containsAll(toStrings(attrs["tags"]), c.HasTags) {
		return false
	}
	return true
}

// DedupWindow 去重窗口；未配置时使用默认分钟数
func (c Conditions) DedupWindow(defaultMinutes int) time.Duration {
	minutes := c.DeduplicationWindowMinutes
	if minutes <= 0 {
		minutes = defaultMinutes
	}
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, tag := range have {
		set[tag] = struct{}{}
	}
	for _, tag := range want {
		if _, ok := set[tag]; !ok {
			return false
		}
	}
	return true
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
