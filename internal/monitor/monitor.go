// Package monitor schedules polls and commands for a set of thermostats.
// Each device has one worker goroutine; every session operation for that
// device runs on it, so a device never sees two transactions at once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/easytouch-ble/internal/ble"
	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
)

var (
	// ErrUnknownDevice is returned for addresses that are not configured.
	ErrUnknownDevice = errors.New("monitor: unknown device")
	// ErrNoStatus is returned when a command needs the current mode but the
	// device has not been polled successfully yet.
	ErrNoStatus = errors.New("monitor: no status received yet")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("monitor: stopped")
)

// Device is one configured thermostat.
type Device struct {
	Address  string
	Name     string
	Password string
	Email    string
}

// ScanOptions controls advertisement scanning.
type ScanOptions struct {
	Enabled           bool
	Window            time.Duration
	Interval          time.Duration
	ConnectableWindow time.Duration
}

// Options configures a Monitor.
type Options struct {
	Session       ble.SessionOptions
	PollInterval  time.Duration
	PollTimeout   time.Duration // also bounds commands and reboots
	CheckInterval time.Duration
	Scan          ScanOptions
}

// Publisher receives every successfully decoded status.
type Publisher interface {
	Publish(ctx context.Context, address string, status *protocol.Status) error
}

// Snapshot is the latest known state of a device.
type Snapshot struct {
	Address     string           `json:"address"`
	Name        string           `json:"name"`
	HasPassword bool             `json:"has_password"`
	Status      *protocol.Status `json:"status,omitempty"`
	LastPoll    time.Time        `json:"last_poll,omitzero"`
	LastSuccess time.Time        `json:"last_success,omitzero"`
	LastOutcome string           `json:"last_outcome,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	FailedStage string           `json:"failed_stage,omitempty"`
	LastSeen    time.Time        `json:"last_seen,omitzero"`
	RSSI        int              `json:"rssi,omitempty"`
	Connectable bool             `json:"connectable"`
}

type job struct {
	fn func()
}

type worker struct {
	session *ble.Session
	jobs    chan job
	pending atomic.Bool // a scheduled poll is queued

	mu   sync.Mutex
	snap Snapshot
}

// Monitor owns one session per device.
type Monitor struct {
	adapter ble.Adapter
	opts    Options
	pub     Publisher
	tracker *ble.DelayTracker

	workers map[string]*worker
	order   []string

	runCtx  context.Context
	started chan struct{}
	stopped chan struct{}
	once    sync.Once

	now func() time.Time
}

// New creates a monitor for devices. pub may be nil.
func New(adapter ble.Adapter, devices []Device, opts Options, pub Publisher) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}

	m := &Monitor{
		adapter: adapter,
		opts:    opts,
		pub:     pub,
		tracker: ble.NewDelayTracker(),
		workers: make(map[string]*worker, len(devices)),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
	}
	for _, d := range devices {
		addr := ble.NormalizeAddress(d.Address)
		if _, dup := m.workers[addr]; dup {
			slog.Warn("[MONITOR] duplicate device ignored", "addr", addr)
			continue
		}
		creds := ble.Credentials{Password: d.Password, Email: d.Email}
		name := d.Name
		if name == "" {
			name = ble.DisplayName("", addr)
		}
		m.workers[addr] = &worker{
			session: ble.NewSession(adapter, addr, creds, m.tracker, opts.Session),
			jobs:    make(chan job, 8),
			snap: Snapshot{
				Address:     addr,
				Name:        name,
				HasPassword: d.Password != "",
			},
		}
		m.order = append(m.order, addr)
	}
	return m
}

// Tracker returns the delay tracker shared by all sessions.
func (m *Monitor) Tracker() *ble.DelayTracker { return m.tracker }

// Run starts the device workers and the poll scheduler and blocks until ctx
// is cancelled. It may be called once.
func (m *Monitor) Run(ctx context.Context) error {
	select {
	case <-m.started:
		return errors.New("monitor: already running")
	default:
	}
	m.runCtx = ctx
	close(m.started)
	defer m.once.Do(func() { close(m.stopped) })

	slog.Info("[MONITOR] starting", "devices", len(m.order), "interval", m.opts.PollInterval, "scan", m.opts.Scan.Enabled)

	var wg sync.WaitGroup
	for _, addr := range m.order {
		w := m.workers[addr]
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	if m.opts.Scan.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.scanLoop(ctx)
		}()
	}

	m.schedule(m.now())
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("[MONITOR] stopped")
			return nil
		case <-ticker.C:
			m.schedule(m.now())
		}
	}
}

func (w *worker) run(ctx context.Context) {
	defer func() {
		if err := w.session.Close(); err != nil {
			slog.Debug("[MONITOR] error closing session", "addr", w.session.Address(), "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			j.fn()
		}
	}
}

// schedule queues a poll for every device whose poll is due.
func (m *Monitor) schedule(now time.Time) {
	for _, addr := range m.order {
		w := m.workers[addr]
		w.mu.Lock()
		last := w.snap.LastPoll
		connectable := m.connectable(&w.snap, now)
		w.mu.Unlock()

		if ble.PollNeeded(last, now, connectable, m.opts.PollInterval) {
			m.enqueuePoll(w)
		}
	}
}

func (m *Monitor) connectable(s *Snapshot, now time.Time) bool {
	if !m.opts.Scan.Enabled {
		return true
	}
	return !s.LastSeen.IsZero() && now.Sub(s.LastSeen) <= m.opts.Scan.ConnectableWindow
}

// enqueuePoll queues a background poll unless one is already waiting.
func (m *Monitor) enqueuePoll(w *worker) {
	if !w.pending.CompareAndSwap(false, true) {
		return
	}
	j := job{fn: func() {
		w.pending.Store(false)
		_, _ = m.pollDevice(m.runCtx, w)
	}}
	select {
	case w.jobs <- j:
	default:
		w.pending.Store(false)
		slog.Warn("[MONITOR] worker busy, poll deferred", "addr", w.session.Address())
	}
}

func (m *Monitor) pollDevice(ctx context.Context, w *worker) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.PollTimeout)
	defer cancel()

	res, err := w.session.Poll(ctx)
	now := m.now()

	w.mu.Lock()
	w.snap.LastPoll = now
	w.snap.LastOutcome = res.Outcome.String()
	switch res.Outcome {
	case ble.PollOK:
		w.snap.Status = res.Status
		w.snap.LastSuccess = now
		w.snap.LastError = ""
		w.snap.FailedStage = ""
	case ble.PollFailed:
		w.snap.LastError = err.Error()
		w.snap.FailedStage = string(ble.FailedStage(err))
	}
	snap := w.snap
	snap.Connectable = m.connectable(&w.snap, now)
	w.mu.Unlock()

	if res.Outcome == ble.PollOK && m.pub != nil {
		if perr := m.pub.Publish(ctx, snap.Address, res.Status); perr != nil {
			slog.Warn("[MONITOR] publish failed", "addr", snap.Address, "error", perr)
		}
	}
	return snap, err
}

func (m *Monitor) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Scan.Interval)
	defer ticker.Stop()
	for {
		devices, err := ble.ScanForDevices(ctx, m.adapter, m.opts.Scan.Window)
		if err != nil && ctx.Err() == nil {
			slog.Warn("[MONITOR] scan failed", "error", err)
		}
		for _, d := range devices {
			m.Observe(d)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Observe records an advertisement. Devices that are not configured are
// ignored.
func (m *Monitor) Observe(d ble.Device) {
	w, ok := m.workers[ble.NormalizeAddress(d.Address)]
	if !ok {
		return
	}
	w.mu.Lock()
	w.snap.LastSeen = m.now()
	w.snap.RSSI = d.RSSI
	w.mu.Unlock()
}

type result[T any] struct {
	val T
	err error
}

// submit runs fn on the device worker and waits for its result. The result
// only crosses over on the buffered channel, so a caller that gives up early
// never shares state with a job still running on the worker.
func submit[T any](ctx context.Context, m *Monitor, addr string, fn func(w *worker) (T, error)) (T, error) {
	var zero T
	w, ok := m.workers[ble.NormalizeAddress(addr)]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	done := make(chan result[T], 1)
	j := job{fn: func() {
		val, err := fn(w)
		done <- result[T]{val, err}
	}}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.stopped:
		return zero, ErrStopped
	}
	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.stopped:
		return zero, ErrStopped
	}
}

// PollNow polls the device immediately and returns the resulting snapshot.
func (m *Monitor) PollNow(ctx context.Context, addr string) (Snapshot, error) {
	return submit(ctx, m, addr, func(w *worker) (Snapshot, error) {
		return m.pollDevice(ctx, w)
	})
}

// SendCommand writes cmd to the device and queues a refresh poll on success.
func (m *Monitor) SendCommand(ctx context.Context, addr string, cmd protocol.Command) error {
	_, err := submit(ctx, m, addr, func(w *worker) (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, m.opts.PollTimeout)
		defer cancel()
		if err := w.session.SendCommand(cctx, cmd); err != nil {
			return struct{}{}, err
		}
		m.refresh(w)
		return struct{}{}, nil
	})
	return err
}

// refresh queues a poll so the snapshot reflects a command's effect.
func (m *Monitor) refresh(w *worker) {
	select {
	case <-m.started:
		m.enqueuePoll(w)
	default:
	}
}

// SetMode changes the operating mode.
func (m *Monitor) SetMode(ctx context.Context, addr string, mode protocol.Mode) error {
	cmd, err := protocol.SetMode(mode)
	if err != nil {
		return err
	}
	return m.SendCommand(ctx, addr, cmd)
}

// SetTemperature sets the setpoint for the currently active mode.
func (m *Monitor) SetTemperature(ctx context.Context, addr string, temp float64) error {
	snap, err := m.Snapshot(addr)
	if err != nil {
		return err
	}
	if snap.Status == nil {
		return fmt.Errorf("%w: %s", ErrNoStatus, addr)
	}
	cmd, err := protocol.SetSetpoint(snap.Status.Mode, temp)
	if err != nil {
		return err
	}
	return m.SendCommand(ctx, addr, cmd)
}

// SetAutoRange sets the heat and cool setpoints used in auto mode.
func (m *Monitor) SetAutoRange(ctx context.Context, addr string, low, high float64) error {
	cmd, err := protocol.SetAutoRange(low, high)
	if err != nil {
		return err
	}
	return m.SendCommand(ctx, addr, cmd)
}

// SetFan sets the fan-only speed.
func (m *Monitor) SetFan(ctx context.Context, addr string, fan protocol.FanMode) error {
	cmd, err := protocol.SetFan(fan)
	if err != nil {
		return err
	}
	return m.SendCommand(ctx, addr, cmd)
}

// SetLocation tells the thermostat where it is installed.
func (m *Monitor) SetLocation(ctx context.Context, addr string, lat, lon float64) error {
	cmd, err := protocol.SetLocation(lat, lon, m.now())
	if err != nil {
		return err
	}
	return m.SendCommand(ctx, addr, cmd)
}

// Reboot resets the thermostat.
func (m *Monitor) Reboot(ctx context.Context, addr string) (ble.RebootOutcome, error) {
	outcome, err := submit(ctx, m, addr, func(w *worker) (ble.RebootOutcome, error) {
		cctx, cancel := context.WithTimeout(ctx, m.opts.PollTimeout)
		defer cancel()
		return w.session.Reboot(cctx)
	})
	if err != nil && outcome == ble.RebootSent {
		// RebootSent is the zero value; an abandoned wait sent nothing.
		outcome = ble.RebootFailed
	}
	return outcome, err
}

// Snapshot returns the latest state of one device.
func (m *Monitor) Snapshot(addr string) (Snapshot, error) {
	w, ok := m.workers[ble.NormalizeAddress(addr)]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := w.snap
	snap.Connectable = m.connectable(&w.snap, m.now())
	return snap, nil
}

// Snapshots returns the latest state of every device in configuration order.
func (m *Monitor) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.order))
	for _, addr := range m.order {
		snap, _ := m.Snapshot(addr)
		out = append(out, snap)
	}
	return out
}
