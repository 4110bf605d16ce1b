package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ParseMessage decodes one stream frame. Frames without a type are rejected.
func ParseMessage(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, errors.Wrap(err, ErrInvalidJSON)
	}
	if msg.Type == "" {
		return Message{}, &ValidationError{Code: ErrMissingKind, Field: "type"}
	}
	return msg, nil
}

func DecodePupState(raw json.RawMessage) (PupState, error) {
	var s PupState
	if len(raw) == 0 {
		return s, &ValidationError{Code: ErrPupMissingManifest, Field: "update"}
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, errors.Wrap(err, "decode pup state")
	}
	if err := ValidatePupState(s); err != nil {
		return s, err
	}
	return s, nil
}

// DecodeStatsBatch accepts either an array of stats or a single object.
func DecodeStatsBatch(raw json.RawMessage) ([]PupStats, error) {
	var batch []PupStats
	if err := json.Unmarshal(raw, &batch); err != nil {
		var one PupStats
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return nil, errors.Wrap(err, "decode stats batch")
		}
		batch = []PupStats{one}
	}
	return batch, nil
}

func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode snapshot")
	}
	return snap, nil
}

func DecodeJobUpdate(raw json.RawMessage) (JobUpdate, error) {
	var j JobUpdate
	if err := json.Unmarshal(raw, &j); err != nil {
		return j, errors.Wrap(err, "decode job update")
	}
	if err := ValidateJobUpdate(j); err != nil {
		return j, err
	}
	return j, nil
}
