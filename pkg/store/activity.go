package store

import (
	"time"

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/oklog/ulid/v2"
)

type ActivityEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	ActionID string    `json:"actionId,omitempty"`
	Step     string    `json:"step,omitempty"`
	Msg      string    `json:"msg"`
	Progress int       `json:"progress,omitempty"`
	Error    bool      `json:"error,omitempty"`
	Logs     []string  `json:"logs,omitempty"`
}

// AppendActivity adds a progress message to the log of its pup, or to the
// system log when the progress names no pup. Logs are created on first use
// and never pruned here.
func (s *Store) AppendActivity(p protocol.Progress) ActivityEntry {
	target := p.Target()
	s.mu.Lock()
	at := s.now()
	entry := ActivityEntry{
		ID:       ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		At:       at,
		ActionID: p.ActionID,
		Step:     p.Step,
		Msg:      p.Msg,
		Progress: p.Progress,
		Error:    p.Error,
		Logs:     append([]string(nil), p.Logs...),
	}
	s.activity[target] = append(s.activity[target], entry)
	s.mu.Unlock()

	s.Notify(target, "activity")
	return entry
}

func (s *Store) Activity(id string) []ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ActivityEntry(nil), s.activity[id]...)
}
