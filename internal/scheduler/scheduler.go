// Package scheduler drives the promotion engine on a fixed interval across
// every enabled location.
package scheduler

import (
	"context"
	"expvar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/queue"
)

const (
	DefaultInterval = 10 * time.Second
	firstTickDelay  = 100 * time.Millisecond
)

var (
	ticksTotal          = expvar.NewInt("walkin_ticks_total")
	ticksSkippedTotal   = expvar.NewInt("walkin_ticks_skipped_total")
	locationErrorsTotal = expvar.NewInt("walkin_tick_location_errors_total")
)

type LocationLister interface {
	ListEnabledLocations(ctx context.Context) ([]models.Location, error)
}

type Processor interface {
	Process(ctx context.Context, location models.Location) (queue.Result, error)
}

// Report summarises one tick.
type Report struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
	Locations int            `json:"locations"`
	Failed    int            `json:"failed"`
	Promoted  int            `json:"promoted"`
	Results   []queue.Result `json:"results,omitempty"`
	Err       error          `json:"-"`
}

type Options struct {
	// TickTimeout bounds a single tick. Zero means no bound.
	TickTimeout time.Duration
	Logger      *zap.Logger
}

type Scheduler struct {
	locations LocationLister
	processor Processor
	logger    *zap.Logger
	tracer    trace.Tracer
	timeout   time.Duration

	running atomic.Bool

	mu       sync.Mutex
	cron     *cron.Cron
	first    *time.Timer
	stopped  bool
	inflight sync.WaitGroup
}

func New(locations LocationLister, processor Processor, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		locations: locations,
		processor: processor,
		logger:    logger,
		tracer:    otel.Tracer("qms/walkin-service/scheduler"),
		timeout:   opts.TickTimeout,
	}
}

// Start schedules a tick every interval plus one shortly after start.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	s.stopped = false
	c := cron.New(cron.WithLogger(cronLogger{logger: s.logger}))
	c.Schedule(every(interval), cron.FuncJob(s.fire))
	c.Start()
	s.cron = c
	s.first = time.AfterFunc(firstTickDelay, s.fire)
	s.logger.Info("autocaller started", zap.Duration("interval", interval))
	return nil
}

// Stop prevents further firings and waits for an in-flight tick to finish or
// for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cron == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.first.Stop()
	s.cron.Stop()
	s.cron = nil
	s.first = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("autocaller stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for in-flight tick")
	}
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if _, ran := s.RunOnce(context.Background()); !ran {
		s.logger.Debug("tick skipped, previous tick still running")
	}
}

// RunOnce runs a single tick unless one is already running, in which case it
// returns false without doing anything.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, bool) {
	if !s.running.CompareAndSwap(false, true) {
		ticksSkippedTotal.Add(1)
		return Report{}, false
	}
	defer s.running.Store(false)
	ticksTotal.Add(1)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "autocaller.tick")
	defer span.End()

	report := Report{StartedAt: time.Now().UTC()}

	locations, err := s.locations.ListEnabledLocations(ctx)
	if err != nil {
		report.Err = errors.Wrap(err, "list enabled locations")
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, "list locations")
		s.logger.Error("tick aborted", zap.Error(report.Err))
		report.Duration = time.Since(report.StartedAt)
		return report, true
	}
	report.Locations = len(locations)
	span.SetAttributes(attribute.Int("autocaller.locations", len(locations)))

	for _, location := range locations {
		result, err := s.processLocation(ctx, location)
		if err != nil {
			report.Failed++
			locationErrorsTotal.Add(1)
			s.logger.Error("location processing failed",
				zap.String("location_id", location.LocationID),
				zap.Error(err),
			)
			continue
		}
		report.Promoted += len(result.Promoted)
		report.Results = append(report.Results, result)
	}
	report.Duration = time.Since(report.StartedAt)
	s.logger.Debug("tick finished",
		zap.Int("locations", report.Locations),
		zap.Int("failed", report.Failed),
		zap.Int("promoted", report.Promoted),
		zap.Duration("duration", report.Duration),
	)
	return report, true
}

func (s *Scheduler) processLocation(ctx context.Context, location models.Location) (result queue.Result, err error) {
	ctx, span := s.tracer.Start(ctx, "autocaller.location",
		trace.WithAttributes(attribute.String("location_id", location.LocationID)))
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "process location")
		}
		span.End()
	}()
	result, err = s.processor.Process(ctx, location)
	span.SetAttributes(attribute.Int("autocaller.promoted", len(result.Promoted)))
	return result, err
}

// every is a fixed-interval cron schedule with full duration precision.
// cron.Every rounds to whole seconds with a one second floor.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
