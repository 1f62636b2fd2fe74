package utils

import (
	"encoding/json"
)

// MustMarshalJSON is for values that are known to encode, such as maps of plain values.
// An encoding failure yields an empty JSON object.
func MustMarshalJSON(input any) []byte {
	data, err := json.Marshal(input)
	if err != nil {
		return []byte("{}")
	}
	return data
}
