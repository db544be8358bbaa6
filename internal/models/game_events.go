package models

import (
	"encoding/json"

	apperrors "github.com/matchops/localsync/internal/errors"
)

// ReindexGameEvents rewrites the "index" field of every element of a game
// document's "events" array so indices are contiguous from zero in array
// order. Documents without an events array are returned unchanged.
func ReindexGameEvents(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return data, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "game payload is not a JSON object", err)
	}

	raw, ok := doc["events"]
	if !ok || string(raw) == "null" {
		return data, nil
	}

	var events []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "game events must be an array of objects", err)
	}

	for i, ev := range events {
		idx, _ := json.Marshal(i)
		ev["index"] = idx
	}

	encoded, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	doc["events"] = encoded

	return json.Marshal(doc)
}

// NormalizePayload applies per-type payload normalization before a
// payload is stored locally or sent to the remote.
func NormalizePayload(t EntityType, data json.RawMessage) (json.RawMessage, error) {
	if t == EntityGame {
		return ReindexGameEvents(data)
	}
	return data, nil
}
