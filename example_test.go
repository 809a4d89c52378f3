package fluxq_test

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/petrijr/fluxq"
)

// Example_localRunner demonstrates registering a handler, submitting a task
// and waiting for its result with the in-memory LocalRunner.
func Example_localRunner() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := fluxq.NewLocalRunner()
	runner.Registry.MustRegister("greet", fluxq.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("Hello, " + string(payload) + "!"), nil
	}))

	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := runner.Submit(ctx, "greet", []byte("Gopher"))
	if err != nil {
		log.Fatal(err)
	}

	res, err := runner.Wait(ctx, id)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(res.State, string(res.Payload))
	// Output:
	// SUCCESS Hello, Gopher!
}

// Example_retry shows a handler that fails once and succeeds on retry.
func Example_retry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := fluxq.DefaultBrokerConfig()
	fluxq.Retry(2).WithConstantBackoff(time.Millisecond).Discard().Apply(&cfg)

	runner, err := fluxq.NewLocalRunnerWithConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}

	attempts := 0
	runner.Registry.MustRegister("flaky", fluxq.HandlerFunc(func(ctx context.Context, task fluxq.Task) fluxq.Result {
		attempts++
		if task.RetryCount == 0 {
			return fluxq.Fail(fmt.Errorf("transient"))
		}
		return fluxq.Success([]byte(strings.ToUpper("ok")))
	}))

	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := runner.Submit(ctx, "flaky", nil)
	if err != nil {
		log.Fatal(err)
	}
	res, err := runner.Wait(ctx, id)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(res.State, string(res.Payload), attempts)
	// Output:
	// SUCCESS OK 2
}
