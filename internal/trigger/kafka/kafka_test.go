package kafka

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/trigger"
)

type recordingHandler struct {
	mu  sync.Mutex
	got []trigger.Event
}

func (h *recordingHandler) Enqueue(namespace string, reason trigger.Reason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, trigger.Event{Namespace: namespace, Reason: reason})
}

func (h *recordingHandler) events() []trigger.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]trigger.Event(nil), h.got...)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewPublisher(Config{Topic: "t"})
	assert.Error(t, err)
	_, err = NewPublisher(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, Topic: "t"}, &recordingHandler{}, nil)
	assert.Error(t, err)
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, Topic: "t", Group: "g"}, nil, nil)
	assert.Error(t, err)
}

func TestEncodeRecordKeysByNamespace(t *testing.T) {
	rec, err := encodeRecord(trigger.Event{Namespace: "acme", Reason: trigger.ReasonPolicyCreated})
	require.NoError(t, err)
	assert.Equal(t, "acme", string(rec.Key))

	ev, err := trigger.Decode(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, trigger.ReasonPolicyCreated, ev.Reason)

	_, err = encodeRecord(trigger.Event{})
	assert.Error(t, err)
}

func TestHandleSkipsMalformed(t *testing.T) {
	h := &recordingHandler{}
	c := &Consumer{handler: h, logger: logging.Discard()}

	good, err := encodeRecord(trigger.Event{Namespace: "acme", Reason: trigger.ReasonManual})
	require.NoError(t, err)

	c.handle(&kgo.Record{Value: []byte("garbage")})
	c.handle(good)

	assert.Equal(t, []trigger.Event{{Namespace: "acme", Reason: trigger.ReasonManual}}, h.events())
}

// TestRoundTrip runs against a real broker named by KAFKA_BROKERS.
func TestRoundTrip(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	cfg := Config{
		Brokers: strings.Split(brokers, ","),
		Topic:   "autoprune-trigger-test-" + time.Now().Format("150405.000"),
		Group:   "autoprune-test",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub, err := NewPublisher(cfg)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.EnsureTopic(ctx))
	require.NoError(t, pub.EnsureTopic(ctx))

	h := &recordingHandler{}
	cons, err := NewConsumer(cfg, h, logging.Discard())
	require.NoError(t, err)
	go func() { _ = cons.Run(ctx) }()
	defer cons.Close()

	require.Eventually(t, func() bool {
		_ = pub.Publish(ctx, trigger.Event{Namespace: "acme", Reason: trigger.ReasonPolicyCreated})
		return len(h.events()) > 0
	}, 20*time.Second, 500*time.Millisecond)
	assert.Equal(t, "acme", h.events()[0].Namespace)
}
