package ble

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the step of a transaction that failed.
type Stage string

const (
	StageConnect Stage = "connect"
	StageAuth    Stage = "auth"
	StageEncode  Stage = "encode"
	StageWrite   Stage = "write"
	StageNotify  Stage = "notify"
	StageRead    Stage = "read"
	StageDecode  Stage = "decode"
)

var (
	// ErrNoServices is returned when a connected peripheral exposes no
	// services even after a short wait.
	ErrNoServices = errors.New("ble: no services available after connecting")
	// ErrNoPassword is returned by operations that need authentication
	// when no password is configured.
	ErrNoPassword = errors.New("ble: no password configured")
)

// StageError carries the stage that failed and the last underlying cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage recorded in err, or "" if err carries none.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

func stageErr(stage Stage, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// isResetDisconnect reports whether a reset write failed only because the
// thermostat dropped the link to reboot. Stacks that surface the drop as a
// GATT status instead of a disconnect report "Error 133" (GATT_ERROR); that
// text match is the single string shim and is used by Reboot only.
func isResetDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPeerDisconnected) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Error") && strings.Contains(msg, "133")
}
