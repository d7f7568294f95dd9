package textutil

import "strings"

// NormalizeStringMap trims keys and values and drops entries where either ends up blank.
// It returns nil when nothing survives.
func NormalizeStringMap(values map[string]string) map[string]string {
	var result map[string]string
	for key, value := range values {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if result == nil {
			result = make(map[string]string, len(values))
		}
		result[key] = value
	}
	return result
}

// ParseKeyValueList parses "k1=v1,k2=v2" lists as found in environment variables. Entries
// without "=" or with a blank key or value are skipped.
func ParseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
