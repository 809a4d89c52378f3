package fluxq

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestLocalRunner_SubmitAndWait verifies that LocalRunner runs submitted
// tasks on its worker pool and exposes the result.
func TestLocalRunner_SubmitAndWait(t *testing.T) {
	runner := NewLocalRunner()
	err := runner.Register("reverse", Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		out := []byte(string(payload))
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	}))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	id, err := runner.Submit(ctx, "reverse", []byte("fluxq"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, err := runner.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.State != StateSuccess {
		t.Fatalf("expected %s, got %s", StateSuccess, res.State)
	}
	if string(res.Payload) != "qxulf" {
		t.Fatalf("unexpected payload %q", res.Payload)
	}
}

func TestLocalRunner_UnknownTaskRejectedAtSubmit(t *testing.T) {
	runner := NewLocalRunner()

	_, err := runner.Submit(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestLocalRunner_FailureDeadLetters(t *testing.T) {
	var calls atomic.Int32
	cfg := DefaultBrokerConfig()
	Retry(1).WithConstantBackoff(time.Millisecond).DeadLetterTo("graveyard").Apply(&cfg)
	cfg.PollInterval = 5 * time.Millisecond

	runner, err := NewLocalRunnerWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewLocalRunnerWithConfig failed: %v", err)
	}
	runner.Registry.MustRegister("always-fails", HandlerFunc(func(ctx context.Context, task Task) Result {
		calls.Add(1)
		return Fail(errors.New("nope"))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	id, err := runner.Submit(ctx, "always-fails", nil)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res, err := runner.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.State != StateFailure || !strings.Contains(res.Error, "nope") {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 invocations, got %d", calls.Load())
	}
	if n, err := runner.Broker.QueueLen(ctx, "graveyard"); err != nil || n != 1 {
		t.Fatalf("expected dead-lettered task, got %d (%v)", n, err)
	}
}

func TestLocalRunner_ScheduleFires(t *testing.T) {
	fired := make(chan struct{}, 4)
	runner := NewLocalRunner()
	runner.Registry.MustRegister("heartbeat", HandlerFunc(func(ctx context.Context, task Task) Result {
		fired <- struct{}{}
		return Success(nil)
	}))
	if err := runner.Schedule("heartbeat", "@every 1s", Task{Name: "heartbeat"}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	ctx := context.Background()
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduled task did not run")
	}
}

func TestLocalRunner_StartTwiceAndStopIdempotent(t *testing.T) {
	runner := NewLocalRunner()
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	if err := runner.StartWorkers(ctx, 1); err == nil {
		t.Fatalf("expected error on second StartWorkers")
	}
	runner.Stop()
	runner.Stop()

	// A stopped runner may be started again.
	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	runner.Stop()
}

func TestLocalRunner_CancelBeforeDelivery(t *testing.T) {
	runner := NewLocalRunner()
	runner.Registry.MustRegister("noop", Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	}))
	ctx := context.Background()

	id, err := runner.Submit(ctx, "noop", nil, WithCountdown(time.Hour))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	ok, err := runner.Broker.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	res, err := runner.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.State != StateRevoked {
		t.Fatalf("expected %s, got %s", StateRevoked, res.State)
	}
}
