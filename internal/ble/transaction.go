package ble

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
)

// PollOutcome classifies a poll.
type PollOutcome int

const (
	PollOK PollOutcome = iota
	PollSkipped
	PollFailed
)

func (o PollOutcome) String() string {
	switch o {
	case PollOK:
		return "ok"
	case PollSkipped:
		return "skipped"
	case PollFailed:
		return "failed"
	}
	return "unknown"
}

// PollResult is the outcome of a poll. Status is set only for PollOK.
type PollResult struct {
	Outcome PollOutcome
	Status  *protocol.Status
}

// RebootOutcome classifies a reboot request.
type RebootOutcome int

const (
	// RebootSent means the reset write was acknowledged.
	RebootSent RebootOutcome = iota
	// RebootDisconnected means the link dropped during the reset write,
	// which is what a rebooting thermostat does.
	RebootDisconnected
	RebootFailed
)

// OK reports whether the reboot should be treated as successful.
func (o RebootOutcome) OK() bool { return o != RebootFailed }

func (o RebootOutcome) String() string {
	switch o {
	case RebootSent:
		return "sent"
	case RebootDisconnected:
		return "disconnected"
	case RebootFailed:
		return "failed"
	}
	return "unknown"
}

// PollNeeded reports whether a poll is due: always before the first poll,
// otherwise only for a connectable device whose last poll is older than
// interval.
func PollNeeded(lastPoll, now time.Time, connectable bool, interval time.Duration) bool {
	if lastPoll.IsZero() {
		return true
	}
	return connectable && now.Sub(lastPoll) > interval
}

func (s *Session) begin(op string) {
	s.txn = uuid.NewString()
	slog.Debug("[BLE] transaction started", s.logArgs("op", op)...)
}

// Poll connects, authenticates, requests the status and decodes it. The link
// is closed afterwards whatever the outcome. Without a password the poll is
// skipped and no I/O happens.
func (s *Session) Poll(ctx context.Context) (PollResult, error) {
	if !s.HasPassword() {
		slog.Debug("[BLE] no password configured, skipping poll", "addr", s.address)
		return PollResult{Outcome: PollSkipped}, nil
	}

	s.begin("poll")
	defer s.cleanup()

	status, err := s.poll(ctx)
	if err != nil {
		slog.Error("[BLE] poll failed", s.logArgs("stage", FailedStage(err), "error", err)...)
		return PollResult{Outcome: PollFailed}, err
	}
	slog.Debug("[BLE] poll complete", s.logArgs("mode", status.Mode, "facePlate", status.FacePlateTemperature)...)
	return PollResult{Outcome: PollOK, Status: status}, nil
}

func (s *Session) poll(ctx context.Context) (*protocol.Status, error) {
	payload, err := protocol.GetStatus(s.creds.Email, s.now()).Encode()
	if err != nil {
		return nil, &StageError{Stage: StageEncode, Err: err}
	}

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}

	if s.opts.StatusMode == StatusModeNotify {
		if err := s.subscribe(); err != nil {
			slog.Warn("[BLE] could not subscribe to status, reading instead", s.logArgs("error", err)...)
		}
	}

	if err := s.writeWithRetry(ctx, protocol.JSONCmdUUID, payload); err != nil {
		return nil, err
	}

	var data []byte
	if s.notify != nil {
		data, err = s.awaitNotification(ctx)
		if err != nil {
			return nil, err
		}
	}
	if data == nil {
		data, err = s.readWithRetry(ctx, protocol.JSONReturnUUID)
		if err != nil {
			return nil, err
		}
	}

	status, err := protocol.DecodeStatus(data)
	if err != nil {
		return nil, &StageError{Stage: StageDecode, Err: err}
	}
	return status, nil
}

// SendCommand encodes cmd and writes it to the command characteristic,
// connecting and authenticating first when no live link exists.
func (s *Session) SendCommand(ctx context.Context, cmd protocol.Command) error {
	if !s.HasPassword() {
		return &StageError{Stage: StageAuth, Err: ErrNoPassword}
	}
	payload, err := cmd.Encode()
	if err != nil {
		return &StageError{Stage: StageEncode, Err: err}
	}

	s.begin("command")
	defer s.cleanup()

	if !s.live() {
		if err := s.Connect(ctx); err != nil {
			return err
		}
		if err := s.Authenticate(ctx); err != nil {
			return err
		}
	}
	if err := s.writeWithRetry(ctx, protocol.JSONCmdUUID, payload); err != nil {
		return err
	}
	slog.Info("[BLE] command sent", s.logArgs("type", cmd.Type)...)
	return nil
}

// Reboot sends the reset command. The thermostat drops the link while
// rebooting, so a disconnect during the write counts as success; any other
// write failure does not. Reset is written once without retry.
func (s *Session) Reboot(ctx context.Context) (RebootOutcome, error) {
	if !s.HasPassword() {
		return RebootFailed, &StageError{Stage: StageAuth, Err: ErrNoPassword}
	}
	payload, err := protocol.Reset().Encode()
	if err != nil {
		return RebootFailed, &StageError{Stage: StageEncode, Err: err}
	}

	s.begin("reboot")
	defer s.cleanup()

	if err := s.Connect(ctx); err != nil {
		return RebootFailed, err
	}
	if err := s.Authenticate(ctx); err != nil {
		return RebootFailed, err
	}
	if err := s.wait(ctx, OpWrite); err != nil {
		return RebootFailed, &StageError{Stage: StageWrite, Err: err}
	}

	ch, ok := s.catalog.Get(protocol.JSONCmdUUID)
	if !ok {
		return RebootFailed, &StageError{Stage: StageWrite, Err: ErrCharacteristicNotFound}
	}
	err = ch.Write(payload, true)
	switch {
	case err == nil:
		s.tracker.OnSuccess(s.address, OpWrite)
		slog.Info("[BLE] reboot command sent", s.logArgs()...)
		return RebootSent, nil
	case isResetDisconnect(err):
		slog.Info("[BLE] thermostat dropped the link while rebooting", s.logArgs("error", err)...)
		return RebootDisconnected, nil
	default:
		s.tracker.OnFailure(s.address, OpWrite)
		slog.Error("[BLE] reboot failed", s.logArgs("error", err)...)
		return RebootFailed, &StageError{Stage: StageWrite, Err: err}
	}
}
