package bus

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/pupdash/pkg/jobs"
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// JobEvent is published on TopicJobs after a lifecycle message was applied.
type JobEvent struct {
	Kind protocol.Kind `json:"kind"`
	Job  jobs.Job      `json:"job"`
}

// NoticeEvent is published on TopicNotices for system notices.
type NoticeEvent struct {
	Kind   protocol.Kind   `json:"kind"`
	Notice protocol.Notice `json:"notice"`
}

func (b *Bus) PublishJob(ev JobEvent) error {
	if ev.Job.ID == "" {
		return errors.New("job event without job id")
	}
	return Publish(b.Publisher, TopicJobs, string(ev.Kind), ev)
}

func (b *Bus) PublishNotice(ev NoticeEvent) error {
	return Publish(b.Publisher, TopicNotices, string(ev.Kind), ev)
}

// OnJob subscribes fn to job events. Like every handler it must be added
// before Run.
func (b *Bus) OnJob(name string, fn func(ev JobEvent) error) {
	b.AddHandler(name, TopicJobs, typed(name, fn))
}

func (b *Bus) OnNotice(name string, fn func(ev NoticeEvent) error) {
	b.AddHandler(name, TopicNotices, typed(name, fn))
}

// typed acks every message and drops the ones that do not decode into T, so
// a bad payload never stalls the topic.
func typed[T any](name string, fn func(T) error) func(*message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()
		env, err := Decode(msg)
		if err != nil {
			log.Warn().Err(err).Str("handler", name).Msg("dropping bus message")
			return nil
		}
		var ev T
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Warn().Err(err).Str("handler", name).Str("type", env.Type).Msg("dropping undecodable event")
			return nil
		}
		return fn(ev)
	}
}
