// Package kafka is the pub/sub broker back-end of the SMN transport.
// Every node owns a single-partition command topic the SMN produces to,
// which preserves per-node ordering; nodes produce to a shared SMN topic
// keyed by their endpoint. Reconnection is owned by the client. A failed
// delivery to a node surfaces as a Down event for that node; fetch errors
// on the SMN topic are logged and produce no Down events.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/sduerr85/OpenBuildNet/obnmsg"
	"github.com/sduerr85/OpenBuildNet/transport"
)

const eventBuffer = 1024

// Transport implements transport.Transport over a Kafka-compatible
// broker.
type Transport struct {
	log    *slog.Logger
	client *kgo.Client

	workspace string
	smnTopic  string

	mu     sync.Mutex
	topics map[int32]string // node id -> command topic
	ids    map[string]int32 // endpoint key -> node id

	events    chan transport.Event
	closed    chan struct{}
	closeOnce sync.Once
	pollDone  sync.WaitGroup
}

// Option configures the broker transport.
type Option func(*Transport)

// WithLog sets the transport logger.
var WithLog = func(log *slog.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// New connects to the broker and starts consuming the SMN inbound topic
// for the workspace.
func New(brokers []string, workspace string, opts ...Option) (*Transport, error) {
	t := &Transport{
		log:       slog.New(slog.NewTextHandler(discard{}, nil)),
		workspace: workspace,
		smnTopic:  TopicName(workspace + "/_smn_"),
		topics:    make(map[int32]string),
		ids:       make(map[string]int32),
		events:    make(chan transport.Event, eventBuffer),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(t.smnTopic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: connect: %w", err)
	}
	t.client = client

	if err := t.ensureTopic(context.Background(), t.smnTopic); err != nil {
		client.Close()
		return nil, err
	}

	t.pollDone.Add(1)
	go t.pollLoop()

	return t, nil
}

// TopicName maps an endpoint string to a legal Kafka topic name.
func TopicName(endpoint string) string {
	return strings.ReplaceAll(endpoint, "/", ".")
}

// Register implements transport.Transport: it creates the node's command
// topic and records the endpoint mapping.
func (t *Transport) Register(nodeID int32, endpoint string) error {
	topic := TopicName(endpoint)
	if err := t.ensureTopic(context.Background(), topic); err != nil {
		return err
	}
	t.mu.Lock()
	t.topics[nodeID] = topic
	t.ids[endpoint] = nodeID
	t.mu.Unlock()
	return nil
}

// ensureTopic creates a single-partition topic, tolerating an existing
// one. Per-node ordering relies on the single partition.
func (t *Transport) ensureTopic(ctx context.Context, topic string) error {
	req := kmsg.NewPtrCreateTopicsRequest()
	rt := kmsg.NewCreateTopicsRequestTopic()
	rt.Topic = topic
	rt.NumPartitions = 1
	rt.ReplicationFactor = 1
	req.Topics = append(req.Topics, rt)
	req.TimeoutMillis = int32(10 * time.Second / time.Millisecond)

	resp, err := req.RequestWith(ctx, t.client)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	for _, rt := range resp.Topics {
		if err := kerr.ErrorForCode(rt.ErrorCode); err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", topic, err)
		}
	}
	return nil
}

// Send implements transport.Transport. Production is asynchronous; a
// failed delivery after the client's own retries is permanent endpoint
// loss and surfaces as a Down event.
func (t *Transport) Send(nodeID int32, f *obnmsg.Frame) error {
	t.mu.Lock()
	topic, ok := t.topics[nodeID]
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownEndpoint
	}

	value, err := obnmsg.Marshal(f)
	if err != nil {
		return err
	}

	t.client.Produce(context.Background(), &kgo.Record{Topic: topic, Value: value}, func(r *kgo.Record, err error) {
		if err == nil {
			return
		}
		t.log.Error("Produce failed", "topic", topic, "node", nodeID, "error", err)
		t.push(transport.Event{NodeID: nodeID, Down: true})
	})
	return nil
}

// Broadcast implements transport.Transport.
func (t *Transport) Broadcast(f *obnmsg.Frame) error {
	t.mu.Lock()
	ids := make([]int32, 0, len(t.topics))
	for id := range t.topics {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		g := *f
		g.NodeID = id
		if err := t.Send(id, &g); err != nil && err != transport.ErrUnknownEndpoint {
			return err
		}
	}
	return nil
}

// Recv implements transport.Transport.
func (t *Transport) Recv(deadline time.Time) (transport.Event, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case ev := <-t.events:
		return ev, nil
	case <-timeout:
		return transport.Event{}, transport.ErrTimeout
	case <-t.closed:
		return transport.Event{}, transport.ErrClosed
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.client.Close()
	})
	t.pollDone.Wait()
	return nil
}

func (t *Transport) push(ev transport.Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

// pollLoop funnels inbound records into the event channel. A frame that
// fails to decode is dropped and logged; the stream continues.
func (t *Transport) pollLoop() {
	defer t.pollDone.Done()
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		fetches := t.client.PollFetches(context.Background())
		if fetches.IsClientClosed() {
			return
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				continue
			}
			t.log.Error("Fetch error", "topic", fe.Topic, "error", fe.Err)
		}

		fetches.EachRecord(func(r *kgo.Record) {
			f, err := obnmsg.Unmarshal(r.Value)
			if err != nil {
				t.log.Warn("Dropping malformed frame", "error", err)
				return
			}
			t.push(transport.Event{NodeID: t.senderOf(r, f), Frame: f})
		})
	}
}

// senderOf resolves the producing node: the record key carries the
// endpoint during startup, the frame header afterwards.
func (t *Transport) senderOf(r *kgo.Record, f *obnmsg.Frame) int32 {
	if len(r.Key) > 0 {
		t.mu.Lock()
		id, ok := t.ids[string(r.Key)]
		t.mu.Unlock()
		if ok {
			return id
		}
	}
	return f.NodeID
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
