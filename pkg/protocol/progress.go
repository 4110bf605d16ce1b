package protocol

import "encoding/json"

// SystemActivityID collects progress that is not about a single pup.
const SystemActivityID = "system"

type Progress struct {
	ActionID string   `json:"actionID,omitempty"`
	PupID    string   `json:"-"`
	Progress int      `json:"progress,omitempty"`
	Step     string   `json:"step,omitempty"`
	Msg      string   `json:"msg,omitempty"`
	Error    bool     `json:"error,omitempty"`
	Logs     []string `json:"logs,omitempty"`
}

// UnmarshalJSON accepts the pup id under pupID, PupID or pupId; the backend
// is not consistent about it.
func (p *Progress) UnmarshalJSON(b []byte) error {
	type plain Progress
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	var ids struct {
		A string `json:"pupID"`
		B string `json:"PupID"`
		C string `json:"pupId"`
	}
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*p = Progress(v)
	for _, id := range []string{ids.A, ids.B, ids.C} {
		if id != "" {
			p.PupID = id
			break
		}
	}
	return nil
}

// Target returns the activity log id the progress belongs to.
func (p Progress) Target() string {
	if p.PupID == "" {
		return SystemActivityID
	}
	return p.PupID
}
