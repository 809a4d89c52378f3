// Package schedule fires periodic tasks from cron expressions.
//
// Several schedulers may run the same entries for availability; a shared
// Locker makes sure each firing is enqueued once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/petrijr/fluxq/pkg/api"
)

// Enqueuer is the broker's enqueue path.
type Enqueuer interface {
	Enqueue(ctx context.Context, task api.Task, queue, routingKey string) (string, error)
}

// Entry is a periodic task definition.
type Entry struct {
	Name string
	Spec string

	// Template is copied for every firing. Its ID is replaced by an id
	// derived from the entry name and fire time.
	Template api.Task

	NextRunAt time.Time

	schedule cron.Schedule
}

// Config configures a Scheduler.
type Config struct {
	// PollInterval is the tick period of Run.
	PollInterval time.Duration

	// ClaimTTL is how long a firing claim is retained by the locker.
	ClaimTTL time.Duration

	// Location interprets cron expressions without a CRON_TZ prefix.
	Location *time.Location

	Observer api.Observer
	Logger   *slog.Logger
	Clock    clockwork.Clock
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		ClaimTTL:     time.Hour,
		Location:     time.UTC,
	}
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// idNamespace scopes the deterministic ids of scheduled firings.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/petrijr/fluxq/schedule"))

// Scheduler evaluates entries against its clock.
type Scheduler struct {
	cfg    Config
	enq    Enqueuer
	locker Locker
	log    *slog.Logger
	obs    api.Observer
	clock  clockwork.Clock

	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates a scheduler. A nil locker uses an in-process MemoryLocker.
func New(cfg Config, enq Enqueuer, locker Locker) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Scheduler{
		cfg:     cfg,
		enq:     enq,
		locker:  locker,
		log:     cfg.Logger,
		obs:     cfg.Observer,
		clock:   cfg.Clock,
		entries: make(map[string]*Entry),
	}
}

// Add registers an entry. spec accepts standard five-field cron, an optional
// leading seconds field, and descriptors such as "@hourly" or "@every 5m".
func (s *Scheduler) Add(name, spec string, template api.Task) error {
	if name == "" {
		return errors.New("schedule: entry name is required")
	}
	if template.Name == "" {
		return fmt.Errorf("schedule %s: template task name is required", name)
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("schedule %s: already registered", name)
	}
	s.entries[name] = &Entry{
		Name:      name,
		Spec:      spec,
		Template:  template,
		NextRunAt: sched.Next(s.clock.Now().In(s.cfg.Location)),
		schedule:  sched,
	}
	return nil
}

// Remove unregisters an entry.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	delete(s.entries, name)
	return ok
}

// Entries returns a snapshot of the registered entries ordered by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type firing struct {
	entry  *Entry
	fireAt time.Time
	next   time.Time
}

func (s *Scheduler) due(now time.Time) []firing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []firing
	for _, e := range s.entries {
		if e.NextRunAt.After(now) {
			continue
		}
		// Missed firings coalesce into one: the next run is the first
		// match after now, not after the missed fire time.
		out = append(out, firing{entry: e, fireAt: e.NextRunAt, next: e.schedule.Next(now.In(s.cfg.Location))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entry.Name < out[j].entry.Name })
	return out
}

func (s *Scheduler) advance(e *Entry, fireAt, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.NextRunAt.Equal(fireAt) {
		e.NextRunAt = next
	}
}

// Tick fires every due entry that this scheduler wins the claim for and
// returns how many tasks it enqueued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()

	var (
		fired int
		errs  []error
	)
	for _, f := range s.due(now) {
		won, err := s.locker.Claim(ctx, f.entry.Name, f.fireAt, s.cfg.ClaimTTL)
		if err != nil {
			// Leave NextRunAt alone so the firing is retried next tick.
			errs = append(errs, fmt.Errorf("schedule %s: claim: %w", f.entry.Name, err))
			continue
		}
		if !won {
			s.advance(f.entry, f.fireAt, f.next)
			s.log.Debug("schedule_claimed_elsewhere",
				slog.String("entry", f.entry.Name),
				slog.Time("fire_at", f.fireAt),
			)
			continue
		}

		task := f.entry.Template
		task.ID = uuid.NewSHA1(idNamespace, []byte(claimKey(f.entry.Name, f.fireAt))).String()
		task.CreatedAt = now
		task.RetryCount = 0

		_, err = s.enq.Enqueue(ctx, task, task.Queue, task.RoutingKey)
		switch {
		case errors.Is(err, api.ErrDuplicateTaskID):
			s.advance(f.entry, f.fireAt, f.next)
			continue
		case err != nil:
			// Release the claim and keep NextRunAt so the next tick retries.
			errs = append(errs, fmt.Errorf("schedule %s: enqueue: %w", f.entry.Name, err))
			if rerr := s.locker.Release(context.WithoutCancel(ctx), f.entry.Name, f.fireAt); rerr != nil {
				errs = append(errs, fmt.Errorf("schedule %s: release: %w", f.entry.Name, rerr))
			}
			continue
		}
		s.advance(f.entry, f.fireAt, f.next)

		fired++
		s.obs.OnScheduled(ctx, f.entry.Name, task)
	}
	return fired, errors.Join(errs...)
}

// Run ticks every PollInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("schedule_tick_failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}
