package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/pupdash/pkg/jobs"
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesHandler(t *testing.T) {
	b, err := NewInMemoryBus()
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	b.AddHandler("test-notices", TopicNotices, func(msg *message.Message) error {
		defer msg.Ack()
		env, err := Decode(msg)
		if err != nil {
			return nil
		}
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Payload, &payload)
		mu.Lock()
		got = append(got, env.Type+":"+payload.Message)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	<-b.Running()

	require.NoError(t, Publish(b.Publisher, TopicNotices, "system_notice", map[string]string{"message": "hello"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "system_notice:hello", got[0])
}

func TestEnvelope_RejectsEmptyType(t *testing.T) {
	_, err := NewEnvelope("", nil)
	require.Error(t, err)
	require.Error(t, Publish(nil, TopicJobs, "x", nil))
}

func TestBus_TypedJobAndNoticeHandlers(t *testing.T) {
	b, err := NewInMemoryBusWithLogger(zerolog.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	var jobsSeen []JobEvent
	var notices []NoticeEvent
	b.OnJob("test-jobs", func(ev JobEvent) error {
		mu.Lock()
		jobsSeen = append(jobsSeen, ev)
		mu.Unlock()
		return nil
	})
	b.OnNotice("test-notices", func(ev NoticeEvent) error {
		mu.Lock()
		notices = append(notices, ev)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	<-b.Running()

	// an undecodable payload is acked and skipped
	require.NoError(t, Publish(b.Publisher, TopicNotices, "system_notice", "not an object"))
	require.NoError(t, b.PublishNotice(NoticeEvent{Kind: protocol.KindHostReboot, Notice: protocol.Notice{Message: "rebooting"}}))
	require.NoError(t, b.PublishJob(JobEvent{Kind: protocol.KindJobCreated, Job: jobs.Job{ID: "j1", PupID: "A", Action: "enable"}}))
	require.Error(t, b.PublishJob(JobEvent{Kind: protocol.KindJobCreated}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(jobsSeen) == 1 && len(notices) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "j1", jobsSeen[0].Job.ID)
	require.Equal(t, "enable", jobsSeen[0].Job.Action)
	require.Equal(t, protocol.KindHostReboot, notices[0].Kind)
	require.Equal(t, "rebooting", notices[0].Notice.Message)
}

func TestZerologAdapter_WritesRouterLogs(t *testing.T) {
	var buf bytes.Buffer
	a := newZerologAdapter(zerolog.New(&buf).Level(zerolog.DebugLevel))

	a.With(watermill.LogFields{"topic": TopicJobs}).Error("handler failed", errors.New("boom"), watermill.LogFields{"handler": "prune"})
	a.Trace("hidden", nil)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "error", line["level"])
	require.Equal(t, "bus", line["component"])
	require.Equal(t, TopicJobs, line["topic"])
	require.Equal(t, "prune", line["handler"])
	require.Equal(t, "boom", line["error"])
	require.Equal(t, "handler failed", line["message"])
}
