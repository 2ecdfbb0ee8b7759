package externalprovider

import (
	"fmt"
	"strconv"
	"strings"
)

// getStringValue reads a field from a decoded JSON object. Numbers are
// rendered without exponent so numeric ids survive.
func getStringValue(data map[string]interface{}, key string) string {
	val, ok := data[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// firstStringValue returns the first non-empty field among keys
func firstStringValue(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v := getStringValue(data, k); v != "" {
			return v
		}
	}
	return ""
}

// lookupPath resolves a dotted path such as "data.app_id".
func lookupPath(data map[string]interface{}, path string) string {
	parts := strings.Split(path, ".")
	current := data
	for i, p := range parts {
		if i == len(parts)-1 {
			return getStringValue(current, p)
		}
		next, ok := current[p].(map[string]interface{})
		if !ok {
			return ""
		}
		current = next
	}
	return ""
}

func emailLocalPart(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return ""
}

// splitName splits a display name into first and last name on the first space
func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if i := strings.Index(name, " "); i > 0 {
		return name[:i], strings.TrimSpace(name[i+1:])
	}
	return name, ""
}
