package remote

import (
	"encoding/json"
	"fmt"
)

// EncodeRecord converts a JSON-tagged struct into a Record.
func EncodeRecord(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("remote.EncodeRecord: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("remote.EncodeRecord: %w", err)
	}
	return rec, nil
}

// DecodeRecord fills a JSON-tagged struct from a Record.
func DecodeRecord(rec Record, v any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("remote.DecodeRecord: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("remote.DecodeRecord: %w", err)
	}
	return nil
}
