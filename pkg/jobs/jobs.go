// Package jobs keeps the list of long running backend operations reported
// over the stream.
package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/rs/zerolog/log"
)

const DefaultRetention = 10 * time.Minute

type Job struct {
	ID          string             `json:"id"`
	Action      string             `json:"action,omitempty"`
	PupID       string             `json:"pupId,omitempty"`
	DisplayName string             `json:"displayName,omitempty"`
	Status      protocol.JobStatus `json:"status"`
	Progress    int                `json:"progress"`
	Summary     string             `json:"summary,omitempty"`
	Error       string             `json:"error,omitempty"`
	Started     time.Time          `json:"started"`
	Finished    time.Time          `json:"finished,omitempty"`
}

func (j Job) Active() bool {
	return j.Status == protocol.JobQueued || j.Status == protocol.JobInProgress
}

type Options struct {
	// Retention is how long finished jobs stay in Recent.
	Retention time.Duration
	Now       func() time.Time
	// OnChange is told which pup a job change concerns.
	OnChange func(pupID string)
}

type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*Job

	retention time.Duration
	now       func() time.Time
	onChange  func(pupID string)
}

func New(opts Options) *Tracker {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		jobs:      map[string]*Job{},
		retention: opts.Retention,
		now:       opts.Now,
		onChange:  opts.OnChange,
	}
}

// Apply folds a lifecycle message into the list. Unknown job ids are
// created regardless of the message kind, since a progress message can
// arrive for a job created before we connected.
func (t *Tracker) Apply(kind protocol.Kind, u protocol.JobUpdate) {
	if err := protocol.ValidateJobUpdate(u); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("discarding job update")
		return
	}

	t.mu.Lock()
	j, ok := t.jobs[u.ID]
	if !ok {
		j = &Job{ID: u.ID, Status: protocol.JobQueued, Started: t.now()}
		t.jobs[u.ID] = j
	}
	prevPup := j.PupID
	merge(j, u, t.now)
	switch kind {
	case protocol.KindJobProgress:
		if u.Status == "" && j.Status == protocol.JobQueued {
			j.Status = protocol.JobInProgress
		}
	case protocol.KindJobCompleted:
		switch {
		case u.Status == protocol.JobFailed || u.Status == protocol.JobCancelled:
		case j.Error != "":
			j.Status = protocol.JobFailed
		default:
			j.Status = protocol.JobCompleted
			j.Progress = 100
		}
		if j.Finished.IsZero() {
			j.Finished = t.now()
		}
	}
	pupID, st := j.PupID, j.Status
	t.mu.Unlock()

	log.Debug().Str("job", u.ID).Str("kind", string(kind)).Str("status", string(st)).Msg("job updated")
	t.changed(prevPup)
	if pupID != prevPup {
		t.changed(pupID)
	}
}

func merge(j *Job, u protocol.JobUpdate, now func() time.Time) {
	if u.Action != "" {
		j.Action = u.Action
	}
	if u.PupID != "" {
		j.PupID = u.PupID
	}
	if u.DisplayName != "" {
		j.DisplayName = u.DisplayName
	}
	if u.Status != "" {
		j.Status = u.Status
	}
	if u.Progress > 0 {
		j.Progress = u.Progress
	}
	if u.Summary != "" {
		j.Summary = u.Summary
	}
	if u.Error != "" {
		j.Error = u.Error
	}
	if at, ok := parseTime(u.Started); ok {
		j.Started = at
	}
	if at, ok := parseTime(u.Finished); ok {
		j.Finished = at
	}
	if !j.Active() && j.Finished.IsZero() {
		j.Finished = now()
	}
}

// parseTime accepts whatever date format the backend emits.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	at, err := dateparse.ParseAny(s)
	if err != nil {
		log.Debug().Err(err).Str("value", s).Msg("unparseable job time")
		return time.Time{}, false
	}
	return at, true
}

func (t *Tracker) Get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Recent returns active jobs plus jobs that finished within the retention
// window, newest first.
func (t *Tracker) Recent() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.retention)
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if j.Active() || j.Finished.After(cutoff) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Started.Equal(out[b].Started) {
			return out[a].Started.After(out[b].Started)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// InFlight returns the actions of active jobs for a pup.
func (t *Tracker) InFlight(pupID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, j := range t.jobs {
		if j.PupID == pupID && j.Active() && j.Action != "" {
			out = append(out, j.Action)
		}
	}
	sort.Strings(out)
	return out
}

// Prune forgets finished jobs older than the retention window.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.retention)
	n := 0
	for id, j := range t.jobs {
		if !j.Active() && !j.Finished.After(cutoff) {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

func (t *Tracker) changed(pupID string) {
	if pupID == "" || t.onChange == nil {
		return
	}
	t.onChange(pupID)
}
