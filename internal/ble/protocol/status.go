// Package protocol implements the JSON-over-BLE wire format spoken by Micro-Air
// EasyTouch thermostats: status payload decoding and command encoding.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ZoneFields is the number of entries in a zone status array.
const ZoneFields = 16

// Z_sts array positions.
const (
	idxAutoHeatSP    = 0
	idxAutoCoolSP    = 1
	idxCoolSP        = 2
	idxHeatSP        = 3
	idxDrySP         = 4
	idxFanOnlyFan    = 6
	idxCoolFan       = 7
	idxAutoFan       = 9
	idxMode          = 10
	idxHeatFan       = 11
	idxFacePlateTemp = 12
	idxCurrentMode   = 15
)

// reservedIndices are Z_sts positions with no known meaning. They are kept
// as raw values on Status.Reserved.
var reservedIndices = []int{5, 8, 13, 14}

// PRM sentinel values.
const (
	paramOff = 7
	paramOn  = 15
)

// Mode is a thermostat operating mode name.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeFan    Mode = "fan"
	ModeCool   Mode = "cool"
	ModeCoolOn Mode = "cool_on"
	ModeHeat   Mode = "heat"
	ModeHeatOn Mode = "heat_on"
	ModeAuto   Mode = "auto"
)

var modeNames = map[int]Mode{
	0:  ModeOff,
	1:  ModeFan,
	2:  ModeCool,
	3:  ModeCoolOn,
	4:  ModeHeat,
	5:  ModeHeatOn,
	11: ModeAuto,
}

// ModeName maps a raw mode code to its name. ok is false for unknown codes.
func ModeName(code int) (Mode, bool) {
	m, ok := modeNames[code]
	return m, ok
}

// FanMode is a fan setting name.
type FanMode string

const (
	FanOff      FanMode = "off"
	FanLow      FanMode = "low"
	FanHigh     FanMode = "high"
	FanManualL  FanMode = "manualL"
	FanManualH  FanMode = "manualH"
	FanCycledL  FanMode = "cycledL"
	FanCycledH  FanMode = "cycledH"
	FanFullAuto FanMode = "full auto"
)

// Fan-only mode only knows three speeds.
var fanOnlyNames = map[int]FanMode{
	0: FanOff,
	1: FanLow,
	2: FanHigh,
}

var fanFullNames = map[int]FanMode{
	0:   FanOff,
	1:   FanManualL,
	2:   FanManualH,
	65:  FanCycledL,
	66:  FanCycledH,
	128: FanFullAuto,
}

// Status is one decoded snapshot of the thermostat. A new Status is produced
// for every payload; it is never merged with an earlier one.
type Status struct {
	SerialNumber string `json:"serial_number"`

	AutoHeatSetpoint     float64 `json:"auto_heat_sp"`
	AutoCoolSetpoint     float64 `json:"auto_cool_sp"`
	CoolSetpoint         float64 `json:"cool_sp"`
	HeatSetpoint         float64 `json:"heat_sp"`
	DrySetpoint          float64 `json:"dry_sp"`
	FacePlateTemperature float64 `json:"face_plate_temperature"`

	ModeNum        int `json:"mode_num"`
	CurrentModeNum int `json:"current_mode_num"`
	FanModeNum     int `json:"fan_mode_num"`
	CoolFanModeNum int `json:"cool_fan_mode_num"`
	HeatFanModeNum int `json:"heat_fan_mode_num"`
	AutoFanModeNum int `json:"auto_fan_mode_num"`

	// Empty when the raw code is not in the mode table.
	Mode        Mode `json:"mode,omitempty"`
	CurrentMode Mode `json:"current_mode,omitempty"`

	// Only the field for the active mode branch is set.
	FanMode     FanMode `json:"fan_mode,omitempty"`
	CoolFanMode FanMode `json:"cool_fan_mode,omitempty"`
	HeatFanMode FanMode `json:"heat_fan_mode,omitempty"`
	AutoFanMode FanMode `json:"auto_fan_mode,omitempty"`

	Off bool `json:"off,omitempty"`
	On  bool `json:"on,omitempty"`

	Params   []int           `json:"params"`
	Reserved map[int]float64 `json:"reserved"`
	Zone     []float64       `json:"zone"`
	Raw      json.RawMessage `json:"-"`
}

// ActiveFanMode returns the fan name for whichever branch the mode selected.
func (s *Status) ActiveFanMode() FanMode {
	switch s.Mode {
	case ModeFan:
		return s.FanMode
	case ModeCool:
		return s.CoolFanMode
	case ModeHeat:
		return s.HeatFanMode
	case ModeAuto:
		return s.AutoFanMode
	}
	return ""
}

// SetpointFor returns the single target temperature used by mode.
func (s *Status) SetpointFor(mode Mode) (float64, bool) {
	switch mode {
	case ModeCool, ModeCoolOn:
		return s.CoolSetpoint, true
	case ModeHeat, ModeHeatOn:
		return s.HeatSetpoint, true
	}
	return 0, false
}

// ErrMalformedStatus is wrapped by every DecodeError.
var ErrMalformedStatus = errors.New("protocol: malformed status payload")

// DecodeError reports a status payload that cannot be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: decode status: %s: %v", e.Reason, e.Err)
	}
	return "protocol: decode status: " + e.Reason
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedStatus, e.Err}
	}
	return []error{ErrMalformedStatus}
}

type wireStatus struct {
	SN   *string              `json:"SN"`
	ZSts map[string][]float64 `json:"Z_sts"`
	PRM  *[]int               `json:"PRM"`
}

// DecodeStatus parses a status payload read from the jsonReturn characteristic.
// SN, Z_sts["0"] with 16 entries and PRM are required.
func DecodeStatus(data []byte) (*Status, error) {
	var w wireStatus
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if w.SN == nil {
		return nil, &DecodeError{Reason: "missing SN"}
	}
	zone, ok := w.ZSts["0"]
	if !ok {
		return nil, &DecodeError{Reason: "missing Z_sts[\"0\"]"}
	}
	if len(zone) < ZoneFields {
		return nil, &DecodeError{Reason: fmt.Sprintf("Z_sts[\"0\"] has %d entries, want %d", len(zone), ZoneFields)}
	}
	if w.PRM == nil {
		return nil, &DecodeError{Reason: "missing PRM"}
	}

	st := &Status{
		SerialNumber:         *w.SN,
		AutoHeatSetpoint:     zone[idxAutoHeatSP],
		AutoCoolSetpoint:     zone[idxAutoCoolSP],
		CoolSetpoint:         zone[idxCoolSP],
		HeatSetpoint:         zone[idxHeatSP],
		DrySetpoint:          zone[idxDrySP],
		FanModeNum:           int(zone[idxFanOnlyFan]),
		CoolFanModeNum:       int(zone[idxCoolFan]),
		AutoFanModeNum:       int(zone[idxAutoFan]),
		ModeNum:              int(zone[idxMode]),
		HeatFanModeNum:       int(zone[idxHeatFan]),
		FacePlateTemperature: zone[idxFacePlateTemp],
		CurrentModeNum:       int(zone[idxCurrentMode]),
		Params:               slices.Clone(*w.PRM),
		Reserved:             make(map[int]float64, len(reservedIndices)),
		Zone:                 slices.Clone(zone),
		Raw:                  slices.Clone(json.RawMessage(data)),
	}
	for _, i := range reservedIndices {
		st.Reserved[i] = zone[i]
	}

	st.Off = slices.Contains(st.Params, paramOff)
	st.On = slices.Contains(st.Params, paramOn)

	if m, ok := ModeName(st.CurrentModeNum); ok {
		st.CurrentMode = m
	}
	if m, ok := ModeName(st.ModeNum); ok {
		st.Mode = m
	}

	// Unknown fan codes fall back the way the thermostat's own display does.
	switch st.Mode {
	case ModeFan:
		st.FanMode = fanName(fanOnlyNames, st.FanModeNum, FanOff)
	case ModeCool:
		st.CoolFanMode = fanName(fanFullNames, st.CoolFanModeNum, FanFullAuto)
	case ModeHeat:
		st.HeatFanMode = fanName(fanFullNames, st.HeatFanModeNum, FanFullAuto)
	case ModeAuto:
		st.AutoFanMode = fanName(fanFullNames, st.AutoFanModeNum, FanFullAuto)
	}

	return st, nil
}

func fanName(table map[int]FanMode, code int, fallback FanMode) FanMode {
	if f, ok := table[code]; ok {
		return f
	}
	return fallback
}
