package xroute

import (
	"strconv"
	"time"
)

// Helpers for the ConfigFromMap functions. Values may come from Go code or from
// decoded YAML/JSON, so numbers arrive as int, int64 or float64 and durations as
// time.Duration or strings like "250ms".

func getInt(cfg map[string]any, k string, d int) int {
	switch v := cfg[k].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

func getBool(cfg map[string]any, k string, d bool) bool {
	switch v := cfg[k].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return d
}

func getDur(cfg map[string]any, k string, d time.Duration) time.Duration {
	switch v := cfg[k].(type) {
	case time.Duration:
		return v
	case string:
		if p, err := time.ParseDuration(v); err == nil {
			return p
		}
	case int:
		return time.Duration(v)
	case int64:
		return time.Duration(v)
	case float64:
		return time.Duration(v)
	}
	return d
}

func getString(cfg map[string]any, k, d string) string {
	if v, ok := cfg[k].(string); ok && v != "" {
		return v
	}
	return d
}
