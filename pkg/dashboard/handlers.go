package dashboard

import (
	"encoding/json"
	stderrors "errors"

	"github.com/go-go-golems/pupdash/pkg/bus"
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/go-go-golems/pupdash/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func (e *Engine) registerHandlers() error {
	handlers := map[protocol.Kind]func(protocol.Message) error{
		protocol.KindPup:          e.onPup,
		protocol.KindPupPurged:    e.onPupPurged,
		protocol.KindStats:        e.onStats,
		protocol.KindAction:       e.onAction,
		protocol.KindProgress:     e.onProgress,
		protocol.KindBootstrap:    e.onBootstrap,
		protocol.KindJobCreated:   e.onJob,
		protocol.KindJobProgress:  e.onJob,
		protocol.KindJobCompleted: e.onJob,
		protocol.KindSystemNotice: e.onNotice,
		protocol.KindHostShutdown: e.onNotice,
		protocol.KindHostReboot:   e.onNotice,
	}
	for kind, h := range handlers {
		if err := e.Channel.Handle(kind, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) onPup(msg protocol.Message) error {
	st, err := protocol.DecodePupState(msg.Update)
	if err != nil {
		return err
	}
	return e.Store.UpdatePupModel(st, msg.Timestamp())
}

func (e *Engine) onPupPurged(msg protocol.Message) error {
	id := msg.ID
	if len(msg.Update) > 0 {
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(msg.Update, &ref); err == nil && ref.ID != "" {
			id = ref.ID
		} else {
			var s string
			if err := json.Unmarshal(msg.Update, &s); err == nil && s != "" {
				id = s
			}
		}
	}
	if id == "" {
		return &protocol.ValidationError{Code: protocol.ErrPupMissingID, Field: "update.id"}
	}
	e.Store.RemovePupByID(id, msg.Timestamp())
	return nil
}

// onStats applies every entry of a batch it can. Entries for unknown pups or
// older than the ledger are skipped.
func (e *Engine) onStats(msg protocol.Message) error {
	batch, err := protocol.DecodeStatsBatch(msg.Update)
	if err != nil {
		return err
	}
	applied := 0
	for _, st := range batch {
		err := e.Store.UpdatePupStatsModel(st, msg.Timestamp())
		switch {
		case err == nil:
			applied++
		case stderrors.Is(err, store.ErrUnknownPup), stderrors.Is(err, store.ErrStale):
		default:
			log.Debug().Err(err).Str("pup", st.ID).Msg("skipping stats entry")
		}
	}
	log.Debug().Int("entries", len(batch)).Int("applied", applied).Msg("stats batch")
	return nil
}

func (e *Engine) onAction(msg protocol.Message) error {
	if msg.ID == "" {
		return errors.New("action message without transaction id")
	}
	e.Registry.Resolve(msg.ID, &protocol.ActionResult{
		ID:     msg.ID,
		Update: msg.Update,
		Error:  msg.Error,
		TS:     msg.Timestamp(),
	})
	return nil
}

func (e *Engine) onProgress(msg protocol.Message) error {
	var p protocol.Progress
	if err := json.Unmarshal(msg.Update, &p); err != nil {
		return errors.Wrap(err, "decode progress")
	}
	e.Store.AppendActivity(p)
	return nil
}

func (e *Engine) onBootstrap(msg protocol.Message) error {
	if e.bootstrap != BootstrapApply {
		log.Debug().Msg("ignoring bootstrap message")
		return nil
	}
	snap, err := protocol.DecodeSnapshot(msg.Update)
	if err != nil {
		return err
	}
	if snap.TS == nil {
		snap.TS = msg.TS
	}
	e.Store.MergeSnapshot(snap)
	return nil
}

func (e *Engine) onJob(msg protocol.Message) error {
	u, err := protocol.DecodeJobUpdate(msg.Update)
	if err != nil {
		return err
	}
	e.Jobs.Apply(msg.Type, u)
	j, ok := e.Jobs.Get(u.ID)
	if !ok {
		return nil
	}
	if err := e.Bus.PublishJob(bus.JobEvent{Kind: msg.Type, Job: j}); err != nil {
		log.Warn().Err(err).Str("job", u.ID).Msg("publish job event")
	}
	return nil
}

// onNotice records system notices in the system activity log.
func (e *Engine) onNotice(msg protocol.Message) error {
	var n protocol.Notice
	if len(msg.Update) > 0 {
		if err := json.Unmarshal(msg.Update, &n); err != nil {
			var text string
			if err2 := json.Unmarshal(msg.Update, &text); err2 != nil {
				return errors.Wrap(err, "decode notice")
			}
			n.Message = text
		}
	}
	if n.Message == "" {
		n.Message = string(msg.Type)
	}
	e.Store.AppendActivity(protocol.Progress{
		Step:  string(msg.Type),
		Msg:   n.Message,
		Error: n.Level == "error",
	})
	if err := e.Bus.PublishNotice(bus.NoticeEvent{Kind: msg.Type, Notice: n}); err != nil {
		log.Warn().Err(err).Str("kind", string(msg.Type)).Msg("publish notice")
	}
	return nil
}

func (e *Engine) pruneJobs(ev bus.JobEvent) error {
	if ev.Kind != protocol.KindJobCompleted {
		return nil
	}
	if n := e.Jobs.Prune(); n > 0 {
		log.Debug().Int("jobs", n).Msg("pruned finished jobs")
	}
	return nil
}
