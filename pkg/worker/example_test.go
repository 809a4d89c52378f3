package worker_test

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/petrijr/fluxq/internal/broker"
	"github.com/petrijr/fluxq/internal/results"
	"github.com/petrijr/fluxq/internal/retry"
	"github.com/petrijr/fluxq/internal/taskqueue"
	"github.com/petrijr/fluxq/pkg/api"
	"github.com/petrijr/fluxq/pkg/worker"
)

// ExamplePool demonstrates wiring a pool to a broker and processing a task.
func ExamplePool() {
	ctx := context.Background()

	reg := api.NewRegistry()
	reg.MustRegister("upper", api.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(payload))), nil
	}))

	cfg := broker.DefaultConfig()
	cfg.DeadLetter = retry.DeadLetterDiscard
	cfg.Registry = reg
	b, err := broker.New(cfg, taskqueue.NewInMemoryStore(), results.NewInMemoryStore())
	if err != nil {
		log.Fatal(err)
	}

	id, err := b.Submit(ctx, "upper", []byte("hello"))
	if err != nil {
		log.Fatal(err)
	}

	pool := worker.New(b, reg, worker.Config{Name: "example"})
	if _, err := pool.ProcessOne(ctx); err != nil {
		log.Fatal(err)
	}

	res, err := b.GetResult(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.State, string(res.Payload))
	// Output: SUCCESS HELLO
}
