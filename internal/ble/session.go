package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
)

// StatusMode selects how a poll obtains the status response.
type StatusMode string

const (
	// StatusModeRead reads the response characteristic after the request.
	StatusModeRead StatusMode = "read"
	// StatusModeNotify subscribes to the response characteristic and waits
	// for a notification, falling back to a read on timeout.
	StatusModeNotify StatusMode = "notify"
)

// SessionOptions configures retry ceilings and fixed pauses.
type SessionOptions struct {
	ConnectTimeout  time.Duration // per connect attempt (default 20s)
	ConnectAttempts int           // connect attempts before giving up (default 7)
	ConnectPause    time.Duration // pause between connect attempts (default 250ms)
	ServiceWait     time.Duration // wait for services to appear after connecting (default 2s)
	AuthAttempts    int           // password write attempts (default 3)
	AuthPause       time.Duration // pause between auth attempts (default 2s)
	IOAttempts      int           // GATT read/write attempts (default 3)
	NotifyTimeout   time.Duration // wait for a status notification (default 15s)
	StatusMode      StatusMode
}

// DefaultSessionOptions returns the timings the thermostat tolerates.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout:  20 * time.Second,
		ConnectAttempts: 7,
		ConnectPause:    250 * time.Millisecond,
		ServiceWait:     2 * time.Second,
		AuthAttempts:    3,
		AuthPause:       2 * time.Second,
		IOAttempts:      3,
		NotifyTimeout:   15 * time.Second,
		StatusMode:      StatusModeRead,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	def := DefaultSessionOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = def.ConnectAttempts
	}
	if o.ConnectPause < 0 {
		o.ConnectPause = def.ConnectPause
	}
	if o.ServiceWait < 0 {
		o.ServiceWait = def.ServiceWait
	}
	if o.AuthAttempts <= 0 {
		o.AuthAttempts = def.AuthAttempts
	}
	if o.AuthPause < 0 {
		o.AuthPause = def.AuthPause
	}
	if o.IOAttempts <= 0 {
		o.IOAttempts = def.IOAttempts
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = def.NotifyTimeout
	}
	if o.StatusMode == "" {
		o.StatusMode = def.StatusMode
	}
	return o
}

// Credentials authenticate against one thermostat.
type Credentials struct {
	Password string
	Email    string
}

// Session owns the link to one thermostat. A Session is not safe for
// concurrent use; callers serialize transactions per device.
type Session struct {
	adapter Adapter
	address string
	creds   Credentials
	tracker *DelayTracker
	opts    SessionOptions

	conn    Connection
	catalog Catalog
	sub     Subscription
	notify  chan []byte // pending status notification; nil when idle
	txn     string

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewSession creates a session for the thermostat at address. The tracker
// is shared across sessions so backoff survives between transactions; a nil
// tracker gets a private one.
func NewSession(adapter Adapter, address string, creds Credentials, tracker *DelayTracker, opts SessionOptions) *Session {
	if tracker == nil {
		tracker = NewDelayTracker()
	}
	return &Session{
		adapter: adapter,
		address: address,
		creds:   creds,
		tracker: tracker,
		opts:    opts.withDefaults(),
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Address returns the thermostat address.
func (s *Session) Address() string { return s.address }

// HasPassword reports whether credentials allow authentication.
func (s *Session) HasPassword() bool { return s.creds.Password != "" }

// Connected reports whether the session holds a live link.
func (s *Session) Connected() bool { return s.live() }

// Close releases the subscription and the link, if any.
func (s *Session) Close() error {
	s.cleanup()
	return nil
}

func (s *Session) live() bool {
	return s.conn != nil && s.conn.Connected()
}

// logArgs prefixes attrs with the device address and transaction id.
func (s *Session) logArgs(args ...any) []any {
	base := []any{"addr", s.address}
	if s.txn != "" {
		base = append(base, "txn", s.txn)
	}
	return append(base, args...)
}

// Connect establishes the link and discovers services. An existing live link
// is reused.
func (s *Session) Connect(ctx context.Context) error {
	if s.live() {
		return nil
	}
	s.teardown()

	var lastErr error
	for attempt := 1; attempt <= s.opts.ConnectAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.opts.ConnectPause); err != nil {
				return &StageError{Stage: StageConnect, Err: err}
			}
		}

		actx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		conn, err := s.adapter.Connect(actx, s.address)
		cancel()
		if err != nil {
			lastErr = err
			slog.Warn("[BLE] connect attempt failed", s.logArgs("attempt", attempt, "of", s.opts.ConnectAttempts, "error", err)...)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		s.conn = conn
		if err := s.ensureCatalog(ctx); err != nil {
			slog.Error("[BLE] service discovery failed", s.logArgs("error", err)...)
			s.teardown()
			return &StageError{Stage: StageConnect, Err: err}
		}
		slog.Debug("[BLE] connected", s.logArgs("attempt", attempt, "characteristics", len(s.catalog))...)
		return nil
	}

	slog.Error("[BLE] failed to connect", s.logArgs("attempts", s.opts.ConnectAttempts, "error", lastErr)...)
	return &StageError{
		Stage: StageConnect,
		Err:   fmt.Errorf("ble: connect %s after %d attempts: %w", s.address, s.opts.ConnectAttempts, lastErr),
	}
}

// ensureCatalog populates the characteristic catalog, waiting once for
// services that are slow to appear.
func (s *Session) ensureCatalog(ctx context.Context) error {
	if len(s.catalog) > 0 {
		return nil
	}
	catalog, err := s.conn.DiscoverServices(ctx)
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	if len(catalog) == 0 {
		slog.Debug("[BLE] no services yet, waiting", s.logArgs("wait", s.opts.ServiceWait)...)
		if err := s.sleep(ctx, s.opts.ServiceWait); err != nil {
			return err
		}
		catalog, err = s.conn.DiscoverServices(ctx)
		if err != nil {
			return fmt.Errorf("ble: discover services: %w", err)
		}
		if len(catalog) == 0 {
			return ErrNoServices
		}
	}
	s.catalog = catalog
	return nil
}

// Authenticate writes the password to the password characteristic. Each
// attempt reconnects at most once if the link has dropped. Any failed
// attempt tears the link down.
func (s *Session) Authenticate(ctx context.Context) error {
	if !s.HasPassword() {
		return &StageError{Stage: StageAuth, Err: ErrNoPassword}
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.AuthAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.opts.AuthPause); err != nil {
				lastErr = err
				break
			}
		}
		err := s.authenticateOnce(ctx)
		if err == nil {
			slog.Debug("[BLE] authenticated", s.logArgs("attempt", attempt)...)
			return nil
		}
		lastErr = err
		slog.Warn("[BLE] authentication attempt failed", s.logArgs("attempt", attempt, "of", s.opts.AuthAttempts, "error", err)...)
		if ctx.Err() != nil {
			break
		}
	}

	s.teardown()
	slog.Error("[BLE] authentication failed", s.logArgs("error", lastErr)...)
	return &StageError{
		Stage: StageAuth,
		Err:   fmt.Errorf("ble: authenticate after %d attempts: %w", s.opts.AuthAttempts, lastErr),
	}
}

func (s *Session) authenticateOnce(ctx context.Context) error {
	if !s.live() {
		slog.Debug("[BLE] link down before auth, reconnecting", s.logArgs()...)
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}
	if err := s.ensureCatalog(ctx); err != nil {
		s.teardown()
		return err
	}
	ch, ok := s.catalog.Get(protocol.PasswordCmdUUID)
	if !ok {
		s.teardown()
		return fmt.Errorf("%w: %s", ErrCharacteristicNotFound, protocol.PasswordCmdUUID)
	}
	if err := ch.Write([]byte(s.creds.Password), true); err != nil {
		s.teardown()
		return fmt.Errorf("ble: write password: %w", err)
	}
	return nil
}

// reconnectAndAuthenticate restores a dropped link, feeding the connect and
// auth delay buckets. A status subscription held on the old link is
// re-armed on the new one.
func (s *Session) reconnectAndAuthenticate(ctx context.Context) error {
	resubscribe := s.sub != nil
	s.releaseSubscription()

	if err := s.wait(ctx, OpConnect); err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		s.tracker.OnFailure(s.address, OpConnect)
		return err
	}
	s.tracker.OnSuccess(s.address, OpConnect)

	if err := s.wait(ctx, OpAuth); err != nil {
		return err
	}
	if err := s.Authenticate(ctx); err != nil {
		s.tracker.OnFailure(s.address, OpAuth)
		return err
	}
	s.tracker.OnSuccess(s.address, OpAuth)

	if resubscribe {
		if err := s.subscribe(); err != nil {
			slog.Warn("[BLE] could not resubscribe to status, reading instead", s.logArgs("error", err)...)
		}
	}
	return nil
}

// wait sleeps for the current delay of the (address, kind) bucket.
func (s *Session) wait(ctx context.Context, kind OpKind) error {
	d := s.tracker.Delay(s.address, kind)
	if d <= 0 {
		return ctx.Err()
	}
	slog.Debug("[BLE] backing off", s.logArgs("op", kind, "delay", d)...)
	return s.sleep(ctx, d)
}

// gattWithRetry runs op against the characteristic up to IOAttempts times,
// restoring the link first when it has dropped. The delay bucket grows only
// when another attempt remains.
func (s *Session) gattWithRetry(ctx context.Context, stage Stage, kind OpKind, uuid string, op func(Characteristic) error) error {
	n := s.opts.IOAttempts
	var lastErr error
	for attempt := 1; attempt <= n; attempt++ {
		if !s.live() {
			slog.Debug("[BLE] link down, reconnecting", s.logArgs("op", kind, "attempt", attempt)...)
			if err := s.reconnectAndAuthenticate(ctx); err != nil {
				return stageErr(stage, err)
			}
		}
		if err := s.wait(ctx, kind); err != nil {
			return &StageError{Stage: stage, Err: err}
		}

		ch, ok := s.catalog.Get(uuid)
		if !ok {
			return &StageError{Stage: stage, Err: fmt.Errorf("%w: %s", ErrCharacteristicNotFound, uuid)}
		}
		err := op(ch)
		if err == nil {
			s.tracker.OnSuccess(s.address, kind)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < n {
			delay := s.tracker.OnFailure(s.address, kind)
			slog.Debug("[BLE] GATT operation failed, retrying", s.logArgs("op", kind, "attempt", attempt, "delay", delay, "error", err)...)
		}
	}

	slog.Error("[BLE] GATT operation failed", s.logArgs("op", kind, "uuid", uuid, "error", lastErr)...)
	return &StageError{
		Stage: stage,
		Err:   fmt.Errorf("ble: %s %s after %d attempts: %w", kind, uuid, n, lastErr),
	}
}

func (s *Session) writeWithRetry(ctx context.Context, uuid string, data []byte) error {
	return s.gattWithRetry(ctx, StageWrite, OpWrite, uuid, func(ch Characteristic) error {
		return ch.Write(data, true)
	})
}

func (s *Session) readWithRetry(ctx context.Context, uuid string) ([]byte, error) {
	var out []byte
	err := s.gattWithRetry(ctx, StageRead, OpRead, uuid, func(ch Characteristic) error {
		data, err := ch.Read()
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// subscribe arms the single-slot notification handle on the response
// characteristic.
func (s *Session) subscribe() error {
	ch, ok := s.catalog.Get(protocol.JSONReturnUUID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCharacteristicNotFound, protocol.JSONReturnUUID)
	}
	notify := make(chan []byte, 1)
	sub, err := ch.Subscribe(func(data []byte) {
		select {
		case notify <- data:
		default:
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.notify = notify
	return nil
}

// awaitNotification returns the notified payload, or nil after the notify
// timeout so the caller can fall back to a read.
func (s *Session) awaitNotification(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(s.opts.NotifyTimeout)
	defer timer.Stop()
	select {
	case data := <-s.notify:
		return data, nil
	case <-timer.C:
		slog.Warn("[BLE] timed out waiting for status notification, reading instead", s.logArgs("timeout", s.opts.NotifyTimeout)...)
		return nil, nil
	case <-ctx.Done():
		return nil, &StageError{Stage: StageNotify, Err: ctx.Err()}
	}
}

// cleanup ends a transaction: the subscription is released, the wait handle
// cleared and the link closed.
func (s *Session) cleanup() {
	s.releaseSubscription()
	s.teardown()
	s.txn = ""
}

func (s *Session) releaseSubscription() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			slog.Debug("[BLE] error stopping notifications", s.logArgs("error", err)...)
		}
		s.sub = nil
	}
	s.notify = nil
}

func (s *Session) teardown() {
	if s.conn != nil {
		if s.conn.Connected() {
			if err := s.conn.Disconnect(); err != nil {
				slog.Debug("[BLE] error disconnecting", s.logArgs("error", err)...)
			}
		}
		s.conn = nil
	}
	s.catalog = nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
