package statestore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/swarmguard/devworkflowd/internal/dagmodel"
)

// encode renders state with stable key ordering and ISO-8601 UTC timestamps
// (encoding/json's default time.Time marshaling is RFC3339, a valid ISO-8601
// profile), matching §6.2's on-disk contract.
func encode(state dagmodel.WorkflowState) ([]byte, error) {
	return json.MarshalIndent(state, "", "  ")
}

// decode parses the on-disk JSON, rejecting unknown top-level fields per
// §6.2. Nested task fields are intentionally permissive (extended packet
// fields are "opaque, carried verbatim"), so strictness is only applied to
// the outer WorkflowState shape.
func decode(data []byte) (dagmodel.WorkflowState, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var state dagmodel.WorkflowState
	if err := dec.Decode(&state); err != nil {
		return dagmodel.WorkflowState{}, fmt.Errorf("decoding workflow state: %w", err)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]dagmodel.Task)
	}
	return state, nil
}
