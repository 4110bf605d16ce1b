package cmds

import (
	"sync"

	"github.com/go-go-golems/pupdash/pkg/bus"
	"github.com/go-go-golems/pupdash/pkg/dashboard"
	"github.com/go-go-golems/pupdash/pkg/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// changeLogger logs every pup whose derived status changed.
type changeLogger struct {
	e *dashboard.Engine

	mu   sync.Mutex
	last map[string]string
}

func (l *changeLogger) Refresh(n store.Notification) {
	for _, p := range l.e.Store.Pups() {
		l.check(p)
	}
}

func (l *changeLogger) BulkRefresh(n store.Notification) {
	if p, ok := l.e.Store.Pup(store.ByID(n.PupID)); ok {
		l.check(p)
	}
}

func (l *changeLogger) check(p store.Pup) {
	key := p.Key().String()
	cur := p.Computed.Installation.ID + "/" + p.Computed.Status.ID
	l.mu.Lock()
	same := l.last[key] == cur
	l.last[key] = cur
	l.mu.Unlock()
	if same {
		return
	}
	log.Info().
		Str("pup", p.Computed.ID).
		Str("name", p.Computed.Name).
		Str("installation", p.Computed.Installation.Label).
		Str("status", p.Computed.Status.Label).
		Strs("in_flight", p.Computed.InFlight).
		Msg("pup changed")
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the state stream and log every pup, job and notice change",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			e, err := newEngine(opts, true)
			if err != nil {
				return err
			}

			logger := &changeLogger{e: e, last: map[string]string{}}
			unsubscribe := e.Store.Subscribe(logger)
			defer unsubscribe()

			e.Bus.OnJob("pupdash-watch-jobs", func(ev bus.JobEvent) error {
				log.Info().
					Str("job", ev.Job.ID).
					Str("kind", string(ev.Kind)).
					Str("pup", ev.Job.PupID).
					Str("action", ev.Job.Action).
					Str("status", string(ev.Job.Status)).
					Int("progress", ev.Job.Progress).
					Msg("job")
				return nil
			})
			e.Bus.OnNotice("pupdash-watch-notices", func(ev bus.NoticeEvent) error {
				log.Warn().Str("kind", string(ev.Kind)).Str("level", ev.Notice.Level).Msg(ev.Notice.Message)
				return nil
			})

			return e.Run(cmd.Context())
		},
	}
	return cmd
}
