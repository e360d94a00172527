package simulator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Fleet runs one scheduled job per device. Devices share nothing but the
// generator and sink, so adding or removing one never disturbs the others.
type Fleet struct {
	gen       *Generator
	sink      Sink
	interval  time.Duration
	now       func() time.Time
	log       zerolog.Logger
	scheduler gocron.Scheduler

	mu      sync.Mutex
	ctx     context.Context
	jobs    map[string]uuid.UUID
	devices map[string]Device

	sent   int64
	failed int64
}

type FleetOption func(*Fleet)

// WithFleetClock overrides the wall clock used to pick the hour of day.
func WithFleetClock(now func() time.Time) FleetOption {
	return func(f *Fleet) { f.now = now }
}

func NewFleet(gen *Generator, sink Sink, interval time.Duration, opts ...FleetOption) (*Fleet, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}

	f := &Fleet{
		gen:       gen,
		sink:      sink,
		interval:  interval,
		now:       time.Now,
		log:       zlog.With().Str("component", "simulator").Logger(),
		scheduler: scheduler,
		ctx:       context.Background(),
		jobs:      make(map[string]uuid.UUID),
		devices:   make(map[string]Device),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Start runs the scheduled devices until Stop. Sends use ctx.
func (f *Fleet) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()

	f.scheduler.Start()
	f.log.Info().Int("devices", len(f.Devices())).Dur("interval", f.interval).Msg("Simulation started")
}

// Stop cancels every device job.
func (f *Fleet) Stop() error {
	err := f.scheduler.Shutdown()
	f.log.Info().Int64("sent", f.Sent()).Int64("failed", f.Failed()).Msg("Simulation stopped")
	return errors.Wrap(err, "stop scheduler")
}

// Add schedules d. The first reading goes out immediately.
func (f *Fleet) Add(d Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.jobs[d.ID]; ok {
		return errors.Errorf("device %s already running", d.ID)
	}

	job, err := f.scheduler.NewJob(
		gocron.DurationJob(f.interval),
		gocron.NewTask(f.tick, d),
		gocron.WithName(d.ID),
		gocron.WithTags(d.PlantID),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrapf(err, "schedule %s", d.ID)
	}

	f.jobs[d.ID] = job.ID()
	f.devices[d.ID] = d
	return nil
}

// Remove stops the job for id. Removing an unknown device is an error.
func (f *Fleet) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	jobID, ok := f.jobs[id]
	if !ok {
		return errors.Errorf("device %s not running", id)
	}
	if err := f.scheduler.RemoveJob(jobID); err != nil {
		return errors.Wrapf(err, "remove %s", id)
	}

	delete(f.jobs, id)
	delete(f.devices, id)
	return nil
}

// Devices returns the running devices in no particular order.
func (f *Fleet) Devices() []Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func (f *Fleet) Sent() int64   { return atomic.LoadInt64(&f.sent) }
func (f *Fleet) Failed() int64 { return atomic.LoadInt64(&f.failed) }

// tick produces and sends one reading for d. A failed send is counted and
// the next tick goes ahead regardless.
func (f *Fleet) tick(d Device) {
	f.mu.Lock()
	ctx := f.ctx
	f.mu.Unlock()

	hour := HourOf(f.now())
	reading := f.gen.ApplyFault(f.gen.Generate(d, hour))
	if reading.Fault != "" {
		f.log.Warn().Str("device_id", d.ID).Str("fault", reading.Fault).Msg("Fault injected")
	}

	if err := f.sink.Send(ctx, d, reading); err != nil {
		atomic.AddInt64(&f.failed, 1)
		f.log.Error().Err(err).Str("device_id", d.ID).Msg("Send failed")
		return
	}

	atomic.AddInt64(&f.sent, 1)
	f.log.Debug().
		Str("device_id", d.ID).
		Float64("hour", hour).
		Float64("solar_power", reading.SolarPower).
		Msg("Reading sent")
}
