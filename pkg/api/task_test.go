package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskValidate(t *testing.T) {
	valid := Task{Name: "email.send", ID: NewTaskID()}

	tests := []struct {
		name   string
		mutate func(*Task)
		ok     bool
	}{
		{name: "valid", mutate: func(*Task) {}, ok: true},
		{name: "generated id optional", mutate: func(t *Task) { t.ID = "" }, ok: true},
		{name: "empty name", mutate: func(t *Task) { t.Name = "" }},
		{name: "negative max retries", mutate: func(t *Task) { t.MaxRetries = -1 }},
		{name: "negative retry count", mutate: func(t *Task) { t.RetryCount = -1 }},
		{name: "priority too high", mutate: func(t *Task) { t.Priority = MaxPriority + 1 }},
		{name: "priority too low", mutate: func(t *Task) { t.Priority = MinPriority - 1 }},
		{name: "id not uuid", mutate: func(t *Task) { t.ID = "job-1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := valid
			tt.mutate(&task)
			err := task.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTask) {
				t.Fatalf("expected ErrInvalidTask, got %v", err)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateSuccess, StateFailure, StateRevoked} {
		if !s.Terminal() || !s.Valid() {
			t.Fatalf("%s should be terminal and valid", s)
		}
	}
	for _, s := range []State{StatePending, StateStarted, StateRetry} {
		if s.Terminal() || !s.Valid() {
			t.Fatalf("%s should be valid and non-terminal", s)
		}
	}
	if State("DONE").Valid() {
		t.Fatalf("unknown state reported valid")
	}
}

func TestDeliveryExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	d := Delivery{Deadline: now}

	if d.Expired(now.Add(-time.Nanosecond)) {
		t.Fatalf("delivery expired before its deadline")
	}
	if !d.Expired(now) {
		t.Fatalf("delivery should expire at its deadline")
	}
}

func TestTaskResultExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	if (TaskResult{}).Expired(now) {
		t.Fatalf("result without ExpiresAt must never expire")
	}
	r := TaskResult{ExpiresAt: now}
	if !r.Expired(now) || r.Expired(now.Add(-time.Second)) {
		t.Fatalf("unexpected expiry for %v", r.ExpiresAt)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := HandlerFunc(func(ctx context.Context, task Task) Result { return Success(nil) })

	if err := reg.Register("b", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("a", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("a", noop); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := reg.Register("", noop); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask for empty name, got %v", err)
	}
	if err := reg.Register("c", nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}

	if names := reg.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
	if !reg.Has("a") || reg.Has("c") {
		t.Fatalf("Has mismatch")
	}
	if _, err := reg.Lookup("c"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestFuncMapsErrorsToFailure(t *testing.T) {
	boom := errors.New("boom")
	h := Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		if len(payload) == 0 {
			return nil, boom
		}
		return payload, nil
	})

	if res := h.Handle(context.Background(), Task{Payload: []byte("x")}); res.Outcome != OutcomeSuccess || string(res.Payload) != "x" {
		t.Fatalf("unexpected success result %+v", res)
	}
	if res := h.Handle(context.Background(), Task{}); res.Outcome != OutcomeFailure || !errors.Is(res.Err, boom) {
		t.Fatalf("unexpected failure result %+v", res)
	}
}

func TestApplyOptions(t *testing.T) {
	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	o := ApplyOptions(
		WithQueue("emails"),
		WithRoutingKey("email.send"),
		WithETA(at),
		WithCountdown(time.Minute),
		WithMaxRetries(0),
		WithPriority(9),
		nil,
	)

	if o.Queue != "emails" || o.RoutingKey != "email.send" || !o.ETA.Equal(at) || o.Countdown != time.Minute || o.Priority != 9 {
		t.Fatalf("unexpected options %+v", o)
	}
	if o.MaxRetries == nil || *o.MaxRetries != 0 {
		t.Fatalf("explicit zero retries lost: %v", o.MaxRetries)
	}
	if ApplyOptions().MaxRetries != nil {
		t.Fatalf("MaxRetries should be unset by default")
	}
}
