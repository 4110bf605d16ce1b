package cmds

import (
	"time"

	"github.com/go-go-golems/pupdash/pkg/dashboard"
	"github.com/go-go-golems/pupdash/pkg/jobs"
	"github.com/go-go-golems/pupdash/pkg/status"
	"github.com/go-go-golems/pupdash/pkg/store"
	"github.com/spf13/cobra"
)

type pupRow struct {
	ID           string       `json:"id,omitempty"`
	Source       string       `json:"source,omitempty"`
	Name         string       `json:"name"`
	Version      string       `json:"version,omitempty"`
	Installation status.Label `json:"installation"`
	Status       status.Label `json:"status"`
	InFlight     []string     `json:"in_flight,omitempty"`
	URLs         store.URLs   `json:"urls"`
}

func rowFor(p store.Pup) pupRow {
	r := pupRow{
		ID:           p.Computed.ID,
		Source:       p.Computed.SourceID,
		Name:         p.Computed.Name,
		Installation: p.Computed.Installation,
		Status:       p.Computed.Status,
		InFlight:     p.Computed.InFlight,
		URLs:         p.Computed.URLs,
	}
	switch {
	case p.State != nil:
		r.Version = p.State.Version
	case p.Definition != nil:
		r.Version = p.Definition.LatestVersion
	}
	return r
}

type statusReport struct {
	Pups []pupRow `json:"pups"`
	// Jobs holds active jobs and those finished within the retention window.
	Jobs []jobs.Job `json:"jobs"`
}

func buildStatusReport(e *dashboard.Engine, installedOnly bool) statusReport {
	r := statusReport{Pups: []pupRow{}, Jobs: e.Jobs.Recent()}
	for _, p := range e.Store.Pups() {
		if installedOnly && !p.Installed() {
			continue
		}
		r.Pups = append(r.Pups, rowFor(p))
	}
	return r
}

func newStatusCmd() *cobra.Command {
	var installedOnly bool
	var listen time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch one snapshot and print the derived status of every pup and recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			e, err := newEngine(opts, false)
			if err != nil {
				return err
			}
			if listen > 0 {
				// jobs only arrive over the stream
				stop, err := startEngine(cmd.Context(), e)
				if err != nil {
					return err
				}
				if err := e.Refresh(cmd.Context()); err != nil {
					_ = stop()
					return err
				}
				select {
				case <-time.After(listen):
				case <-cmd.Context().Done():
				}
				if err := stop(); err != nil {
					return err
				}
			} else if err := e.Refresh(cmd.Context()); err != nil {
				return err
			}

			return writeJSON(cmd, buildStatusReport(e, installedOnly))
		},
	}

	cmd.Flags().BoolVar(&installedOnly, "installed", false, "Only list installed pups")
	cmd.Flags().DurationVar(&listen, "listen", 0, "Follow the stream this long before printing, to collect job activity")
	return cmd
}
