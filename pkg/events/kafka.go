// Package events publishes task lifecycle events to Kafka so other systems
// can follow task progress without polling the result store.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/petrijr/fluxq/pkg/api"
)

// Producer is the subset of *kgo.Client used by KafkaSink.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Event is the JSON value of every published record. Records are keyed by
// task id so events of one task stay in one partition, in order.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	TaskID   string    `json:"task_id"`
	TaskName string    `json:"task_name,omitempty"`
	Queue    string    `json:"queue,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Entry    string    `json:"entry,omitempty"`
	DelayMS  int64     `json:"delay_ms,omitempty"`
	Elapsed  int64     `json:"elapsed_ms,omitempty"`
	Error    string    `json:"error,omitempty"`
}

const (
	TypeEnqueued  = "enqueued"
	TypeDelivered = "delivered"
	TypeSucceeded = "succeeded"
	TypeRetried   = "retried"
	TypeFailed    = "failed"
	TypeRequeued  = "requeued"
	TypeRevoked   = "revoked"
	TypeScheduled = "scheduled"
)

// KafkaSink is an api.Observer that produces one record per event.
// Produce is asynchronous; failures are logged and never block the broker.
type KafkaSink struct {
	producer Producer
	topic    string
	clock    clockwork.Clock
	log      *slog.Logger
}

var _ api.Observer = (*KafkaSink)(nil)

// NewKafkaSink creates a sink producing to topic.
func NewKafkaSink(p Producer, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{producer: p, topic: topic, clock: clockwork.NewRealClock(), log: logger}
}

// WithClock replaces the clock stamping events.
func (s *KafkaSink) WithClock(c clockwork.Clock) *KafkaSink {
	s.clock = c
	return s
}

func (s *KafkaSink) publish(ctx context.Context, ev Event) {
	ev.Time = s.clock.Now().UTC()
	value, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("event_encode_failed", slog.String("type", ev.Type), slog.Any("error", err))
		return
	}

	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(ev.TaskID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	// The broker's context may be cancelled before the record is flushed.
	s.producer.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			s.log.Warn("event_publish_failed",
				slog.String("type", ev.Type),
				slog.String("task_id", ev.TaskID),
				slog.Any("error", err),
			)
		}
	})
}

func delivery(typ string, d api.Delivery) Event {
	return Event{
		Type:     typ,
		TaskID:   d.Task.ID,
		TaskName: d.Task.Name,
		Queue:    d.Task.Queue,
		WorkerID: d.WorkerID,
		Attempt:  d.Attempt,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *KafkaSink) OnEnqueued(ctx context.Context, task api.Task) {
	s.publish(ctx, Event{Type: TypeEnqueued, TaskID: task.ID, TaskName: task.Name, Queue: task.Queue})
}

func (s *KafkaSink) OnDelivered(ctx context.Context, d api.Delivery) {
	s.publish(ctx, delivery(TypeDelivered, d))
}

func (s *KafkaSink) OnSucceeded(ctx context.Context, d api.Delivery, elapsed time.Duration) {
	ev := delivery(TypeSucceeded, d)
	ev.Elapsed = elapsed.Milliseconds()
	s.publish(ctx, ev)
}

func (s *KafkaSink) OnRetried(ctx context.Context, d api.Delivery, delay time.Duration, err error) {
	ev := delivery(TypeRetried, d)
	ev.DelayMS = delay.Milliseconds()
	ev.Error = errString(err)
	s.publish(ctx, ev)
}

func (s *KafkaSink) OnFailed(ctx context.Context, d api.Delivery, err error) {
	ev := delivery(TypeFailed, d)
	ev.Error = errString(err)
	s.publish(ctx, ev)
}

func (s *KafkaSink) OnRequeued(ctx context.Context, d api.Delivery, reason api.RequeueReason) {
	ev := delivery(TypeRequeued, d)
	ev.Reason = string(reason)
	s.publish(ctx, ev)
}

func (s *KafkaSink) OnRevoked(ctx context.Context, taskID string) {
	s.publish(ctx, Event{Type: TypeRevoked, TaskID: taskID})
}

func (s *KafkaSink) OnScheduled(ctx context.Context, entry string, task api.Task) {
	s.publish(ctx, Event{Type: TypeScheduled, TaskID: task.ID, TaskName: task.Name, Queue: task.Queue, Entry: entry})
}

// NewKafkaClient creates a franz-go client for the sink. Produced records
// default to topic.
func NewKafkaClient(brokers []string, clientID, topic string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
	)
}
