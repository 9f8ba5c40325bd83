package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kiesman99/rasterstream/internal/metrics"
	"github.com/kiesman99/rasterstream/pkg/raster"
	"github.com/kiesman99/rasterstream/pkg/region"
)

// DefaultBudget is the RAM budget used by automatic strategies when neither
// the strategy nor the executor configuration names one.
const DefaultBudget = 64 << 20

// Producer materialises exactly the requested region. It may be asked for
// arbitrary regions of the same full image, in any order, more than once.
type Producer interface {
	Produce(ctx context.Context, r region.Region) (*raster.Buffer, error)
}

// ProgressProducer is a Producer that reports progress inside one region as a
// fraction in [0,1].
type ProgressProducer interface {
	Producer
	ProduceWithProgress(ctx context.Context, r region.Region, progress func(float64)) (*raster.Buffer, error)
}

// MemoryProfile estimates the bytes per pixel held by every buffer alive in
// the producer graph while one region is produced.
type MemoryProfile interface {
	BytesPerPixelAcrossGraph() uint64
}

// Committer persists a region's buffer. It owns the byte layout and must
// accept regions in the order they are presented.
type Committer interface {
	Commit(ctx context.Context, r region.Region, buf *raster.Buffer) error
}

// Preparer is implemented by committers that need the full region before the
// first commit.
type Preparer interface {
	Prepare(ctx context.Context, full region.Region) error
}

// Finalizer is implemented by committers that complete the output once every
// region is committed.
type Finalizer interface {
	Finalize(ctx context.Context) error
}

// State of a streaming run.
type State int

const (
	Idle State = iota
	Configuring
	Iterating
	Producing
	Committing
	Finalizing
	Done
	Failed
)

var stateNames = [...]string{"idle", "configuring", "iterating", "producing", "committing", "finalizing", "done", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Config holds the executor's configuration.
type Config struct {
	// Strategy is used when a Job does not bring its own Manager.
	Strategy Strategy

	// DefaultBudget replaces a zero RAM budget of an automatic strategy.
	// Default: DefaultBudget
	DefaultBudget uint64

	// Name labels metrics and log records.
	Name string

	// Logger receives structured run events. When nil, a discard logger is used.
	Logger *slog.Logger

	// Metrics, when set, records per-run counters and durations.
	Metrics *metrics.Registry
}

// DefaultConfig returns a stripped-automatic configuration with the default budget.
func DefaultConfig() Config {
	return Config{
		Strategy:      Strategy{Mode: StrippedAuto},
		DefaultBudget: DefaultBudget,
		Name:          "default",
	}
}

// Job describes one streaming operation.
type Job struct {
	Full      region.Region
	Producer  Producer
	Committer Committer

	// Profile supplies the per-pixel footprint for automatic strategies. When
	// nil and the producer implements MemoryProfile, the producer is used.
	Profile MemoryProfile

	// Manager overrides the executor's strategy.
	Manager Manager

	// Progress is called with a non-decreasing fraction in [0,1].
	Progress func(float64)

	// Abort is polled between regions; returning true stops the run.
	Abort func() bool

	// OnState is called on every state transition.
	OnState func(State)
}

// Result summarises a run, successful or not.
type Result struct {
	State     State
	Splits    int
	Committed int
	Skipped   int
	Bytes     int64
	Duration  time.Duration
}

// Executor drives a Manager's splits through a Producer and a Committer, one
// region at a time.
type Executor struct {
	config Config
	logger *slog.Logger
}

// New creates an executor with the default configuration.
func New() *Executor {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates an executor with the specified configuration.
func NewWithConfig(config Config) *Executor {
	if config.DefaultBudget == 0 {
		config.DefaultBudget = DefaultBudget
	}
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{config: config, logger: logger.With("writer", config.Name)}
}

// run is the state of one Run call.
type run struct {
	*Executor
	job      Job
	result   Result
	count    int
	reported float64
}

// Run streams job.Full region by region. On failure the returned error is an
// *Error and the result still reports how many regions were committed.
func (e *Executor) Run(ctx context.Context, job Job) (*Result, error) {
	r := &run{Executor: e, job: job}
	start := time.Now()
	err := r.execute(ctx)
	r.result.Duration = time.Since(start)

	if err != nil {
		r.transition(Failed)
		var se *Error
		if errors.As(err, &se) {
			cp := *se
			se = &cp
		} else {
			se = &Error{Kind: KindConfiguration, Split: -1, Err: err}
		}
		se.Committed = r.result.Committed
		e.logger.Error("streaming failed",
			"kind", se.Kind.String(), "split", se.Split, "committed", se.Committed, "err", se.Err)
		if m := e.config.Metrics; m != nil {
			m.Failures.WithLabelValues(e.config.Name, se.Kind.String()).Inc()
		}
		return &r.result, se
	}

	e.logger.Info("streaming finished",
		"splits", r.count, "committed", r.result.Committed, "bytes", r.result.Bytes, "duration", r.result.Duration)
	if m := e.config.Metrics; m != nil {
		m.Runs.WithLabelValues(e.config.Name).Inc()
	}
	return &r.result, nil
}

func (r *run) execute(ctx context.Context) error {
	r.transition(Configuring)
	manager, err := r.configure(ctx)
	if err != nil {
		return err
	}

	r.transition(Iterating)
	for i := 0; i < r.count; i++ {
		split := manager.Split(i)
		if err := r.checkAbort(ctx); err != nil {
			return &Error{Kind: KindCancelled, Split: i, Region: split, Err: err}
		}
		if split.IsEmpty() {
			r.result.Skipped++
			continue
		}
		if err := r.stream(ctx, i, split); err != nil {
			return err
		}
		r.report(float64(i+1) / float64(r.count))
	}

	r.transition(Finalizing)
	if f, ok := r.job.Committer.(Finalizer); ok && !r.job.Full.IsEmpty() {
		if err := f.Finalize(ctx); err != nil {
			return &Error{Kind: KindCommit, Split: -1, Err: fmt.Errorf("finalize: %w", err)}
		}
	}
	r.report(1)
	r.transition(Done)
	return nil
}

func (r *run) configure(ctx context.Context) (Manager, error) {
	job := r.job
	if err := job.Full.Validate(); err != nil {
		return nil, configError("full region: %w", err)
	}

	manager := job.Manager
	if manager == nil {
		s, err := NewManager(r.config.Strategy, r.config.DefaultBudget)
		if err != nil {
			return nil, err
		}
		manager = s
	}

	if err := manager.Configure(job.Full, r.bytesPerPixel()); err != nil {
		return nil, err
	}
	r.count = manager.NumberOfSplits()
	r.result.Splits = r.count
	if r.count < 1 {
		return nil, configError("manager produced %d splits", r.count)
	}

	// An empty image never reaches the collaborators.
	if job.Full.IsEmpty() {
		return manager, nil
	}
	if job.Producer == nil {
		return nil, configError("no producer")
	}
	if job.Committer == nil {
		return nil, configError("no committer")
	}
	if p, ok := job.Committer.(Preparer); ok {
		if err := p.Prepare(ctx, job.Full); err != nil {
			return nil, &Error{Kind: KindCommit, Split: -1, Err: fmt.Errorf("prepare: %w", err)}
		}
	}
	r.logger.Debug("streaming configured", "full", job.Full.String(), "splits", r.count)
	return manager, nil
}

func (r *run) bytesPerPixel() uint64 {
	if r.job.Profile != nil {
		return r.job.Profile.BytesPerPixelAcrossGraph()
	}
	if p, ok := r.job.Producer.(MemoryProfile); ok {
		return p.BytesPerPixelAcrossGraph()
	}
	return 0
}

// stream produces split i and commits it.
func (r *run) stream(ctx context.Context, i int, split region.Region) error {
	r.transition(Producing)
	t0 := time.Now()
	buf, err := r.produce(ctx, i, split)
	if err == nil && buf == nil {
		err = fmt.Errorf("producer returned no buffer")
	}
	if err == nil {
		err = buf.Check(split)
	}
	if err != nil {
		return &Error{Kind: KindProduction, Split: i, Region: split, Err: err}
	}
	if m := r.config.Metrics; m != nil {
		m.ProduceDuration.WithLabelValues(r.config.Name).Observe(time.Since(t0).Seconds())
	}

	r.transition(Committing)
	t0 = time.Now()
	if err := r.job.Committer.Commit(ctx, split, buf); err != nil {
		return &Error{Kind: KindCommit, Split: i, Region: split, Err: err}
	}
	if m := r.config.Metrics; m != nil {
		m.CommitDuration.WithLabelValues(r.config.Name).Observe(time.Since(t0).Seconds())
	}

	r.result.Committed++
	r.result.Bytes += int64(len(buf.Pix))
	if m := r.config.Metrics; m != nil {
		m.Splits.WithLabelValues(r.config.Name).Inc()
		m.Bytes.WithLabelValues(r.config.Name).Add(float64(len(buf.Pix)))
	}
	r.logger.Debug("split committed", "split", i, "region", split.String(), "bytes", len(buf.Pix))
	return nil
}

func (r *run) produce(ctx context.Context, i int, split region.Region) (*raster.Buffer, error) {
	if pp, ok := r.job.Producer.(ProgressProducer); ok {
		return pp.ProduceWithProgress(ctx, split, func(f float64) {
			r.report((float64(i) + clampFraction(f)) / float64(r.count))
		})
	}
	return r.job.Producer.Produce(ctx, split)
}

func (r *run) checkAbort(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if r.job.Abort != nil && r.job.Abort() {
		return ErrAborted
	}
	return nil
}

// report forwards progress, never going backwards.
func (r *run) report(f float64) {
	f = clampFraction(f)
	if f < r.reported {
		f = r.reported
	}
	r.reported = f
	if m := r.config.Metrics; m != nil {
		m.Progress.WithLabelValues(r.config.Name).Set(f)
	}
	if r.job.Progress != nil {
		r.job.Progress(f)
	}
}

func (r *run) transition(s State) {
	r.result.State = s
	if r.job.OnState != nil {
		r.job.OnState(s)
	}
}

func clampFraction(f float64) float64 {
	if f != f || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
