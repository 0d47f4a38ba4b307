package storage

import (
	"encoding/json"

	"go.jetify.com/typeid"
)

// typeidCommandID mints a sortable, prefixed identifier for a commands row.
func typeidCommandID() (string, error) {
	id, err := typeid.WithPrefix("cmd")
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// metadataJSON renders command metadata for the commands.metadata JSONB
// column, tolerating a nil map.
func metadataJSON(metadata map[string]any) []byte {
	if metadata == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return []byte("{}")
	}
	return data
}
