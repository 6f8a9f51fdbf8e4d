package postgres

import "encoding/json"

// orEmptyCaps avoids persisting SQL NULL for an absent capability list.
func orEmptyCaps[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

// rawOrNil maps an empty RawMessage to SQL NULL instead of invalid ''.
func rawOrNil(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}
