package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentsched/pkg/logx"
)

// Expressions are the classic 5 fields: minute hour day month day-of-week.
const cronFieldCount = 5

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// JobInfo is one scheduled job's status view.
type JobInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
}

type jobMeta struct {
	name  string
	entry cron.EntryID
}

// Engine maintains the job table. Jobs can be added, replaced and
// removed at runtime without restarting the process.
type Engine struct {
	log logx.Logger
	loc *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	jobs    map[string]jobMeta
	started bool
}

// New creates an engine whose unqualified expressions evaluate in
// defaultTZ (UTC when empty or invalid).
func New(log logx.Logger, defaultTZ string) *Engine {
	loc := loadLocation(log, defaultTZ)
	return &Engine{
		log:  log,
		loc:  loc,
		c:    cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		jobs: map[string]jobMeta{},
	}
}

func loadLocation(log logx.Logger, tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Validate checks a 5-field cron expression without scheduling it.
func Validate(expr string) error {
	if n := len(strings.Fields(expr)); n != cronFieldCount {
		return fmt.Errorf("cron expression must have %d fields, got %d", cronFieldCount, n)
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun computes the next fire time of expr after from, evaluated in
// tz (UTC when empty).
func NextRun(expr, tz string, from time.Time) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	// Always qualify the cron spec: an unqualified expression would evaluate
	// in server-local time, which drifts between fleet instances.
	sched, err := parser.Parse("CRON_TZ=" + tzOrUTC(tz) + " " + expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

func tzOrUTC(tz string) string {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return "UTC"
	}
	return tz
}

// AddJob validates and schedules a job, replacing any existing job with
// the same id. The timezone applies to this job only.
func (e *Engine) AddJob(id, name, expr, tz string, fn func()) error {
	if err := Validate(expr); err != nil {
		return err
	}

	tzName := strings.TrimSpace(tz)
	if tzName == "" {
		tzName = e.loc.String()
	} else if _, err := time.LoadLocation(tzName); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tzName, err)
	}
	spec := "CRON_TZ=" + tzName + " " + expr

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.jobs[id]; ok {
		e.c.Remove(old.entry)
	}
	entry, err := e.c.AddFunc(spec, fn)
	if err != nil {
		delete(e.jobs, id)
		return fmt.Errorf("schedule job %s: %w", id, err)
	}
	e.jobs[id] = jobMeta{name: name, entry: entry}
	return nil
}

// RemoveJob drops one job; unknown ids are a no-op.
func (e *Engine) RemoveJob(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if meta, ok := e.jobs[id]; ok {
		e.c.Remove(meta.entry)
		delete(e.jobs, id)
	}
}

// RemoveMatching drops every job whose id has the given prefix and
// returns how many were removed. Reload uses this to clear the
// scheduler-owned namespaces before re-reading the store.
func (e *Engine) RemoveMatching(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, meta := range e.jobs {
		if strings.HasPrefix(id, prefix) {
			e.c.Remove(meta.entry)
			delete(e.jobs, id)
			n++
		}
	}
	return n
}

// Jobs returns the current job table sorted by id.
func (e *Engine) Jobs() []JobInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]JobInfo, 0, len(e.jobs))
	for id, meta := range e.jobs {
		out = append(out, JobInfo{
			ID:      id,
			Name:    meta.name,
			NextRun: e.c.Entry(meta.entry).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of scheduled jobs.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Start begins firing callbacks. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.c.Start()
}

// Stop halts firing and waits (bounded by ctx) for in-flight callbacks.
// Idempotent.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	done := e.c.Stop().Done()
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("trigger engine stop timed out with callbacks in flight")
	}
}
