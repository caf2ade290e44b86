package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command types understood by the thermostat.
const (
	TypeGetStatus = "Get Status"
	TypeChange    = "Change"
)

// Keys accepted inside a Change command's Changes object.
const (
	KeyZone       = "zone"
	KeyPower      = "power"
	KeyMode       = "mode"
	KeyCoolSP     = "cool_sp"
	KeyHeatSP     = "heat_sp"
	KeyAutoCoolSP = "autoCool_sp"
	KeyAutoHeatSP = "autoHeat_sp"
	KeyDrySP      = "dry_sp"
	KeyFanOnly    = "fanOnly"
	KeyCoolFan    = "coolFan"
	KeyHeatFan    = "heatFan"
	KeyAutoFan    = "autoFan"
	KeyReset      = "reset"
)

// Changes is the flat attribute set carried by a Change command.
type Changes map[string]any

// Command is an outbound request. Fields are merged into the top-level
// object next to Type; Changes, when non-nil, is sent under "Changes".
type Command struct {
	Type    string
	Fields  map[string]any
	Changes Changes
}

// Encode serializes the command to compact JSON. No field validation is
// done beyond requiring a Type.
func (c Command) Encode() ([]byte, error) {
	if c.Type == "" {
		return nil, errors.New("protocol: command type must not be empty")
	}
	obj := make(map[string]any, len(c.Fields)+2)
	for k, v := range c.Fields {
		obj[k] = v
	}
	obj["Type"] = c.Type
	if c.Changes != nil {
		obj["Changes"] = c.Changes
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command: %w", err)
	}
	return data, nil
}

// ParseCommand decodes a JSON command object, as accepted from API and
// message bus callers, back into a Command.
func ParseCommand(data []byte) (Command, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Command{}, fmt.Errorf("protocol: parse command: %w", err)
	}
	var cmd Command
	raw, ok := obj["Type"]
	if !ok {
		return Command{}, errors.New("protocol: parse command: missing Type")
	}
	if err := json.Unmarshal(raw, &cmd.Type); err != nil || cmd.Type == "" {
		return Command{}, errors.New("protocol: parse command: Type must be a non-empty string")
	}
	delete(obj, "Type")
	if raw, ok := obj["Changes"]; ok {
		if err := json.Unmarshal(raw, &cmd.Changes); err != nil {
			return Command{}, fmt.Errorf("protocol: parse command: Changes: %w", err)
		}
		delete(obj, "Changes")
	}
	if len(obj) > 0 {
		cmd.Fields = make(map[string]any, len(obj))
		for k, v := range obj {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return Command{}, fmt.Errorf("protocol: parse command: %s: %w", k, err)
			}
			cmd.Fields[k] = val
		}
	}
	return cmd, nil
}

// GetStatus builds the status request. An empty email is sent as null.
func GetStatus(email string, now time.Time) Command {
	var em any
	if email != "" {
		em = email
	}
	return Command{
		Type: TypeGetStatus,
		Fields: map[string]any{
			"Zone": 0,
			"EM":   em,
			"TM":   now.Unix(),
		},
	}
}

// SetLocation builds the status request variant that tells the thermostat
// where it is installed.
func SetLocation(lat, lon float64, now time.Time) (Command, error) {
	if lat < -90 || lat > 90 {
		return Command{}, fmt.Errorf("protocol: latitude %v out of range [-90, 90]", lat)
	}
	if lon < -180 || lon > 180 {
		return Command{}, fmt.Errorf("protocol: longitude %v out of range [-180, 180]", lon)
	}
	return Command{
		Type: TypeGetStatus,
		Fields: map[string]any{
			"Zone": 0,
			"LAT":  fmt.Sprintf("%.5f", lat),
			"LON":  fmt.Sprintf("%.5f", lon),
			"TM":   now.Unix(),
		},
	}, nil
}

// Change wraps a set of attribute changes.
func Change(changes Changes) Command {
	return Command{Type: TypeChange, Changes: changes}
}

// Reset builds the reboot command.
func Reset() Command {
	return Change(Changes{KeyZone: 0, KeyReset: " OK"})
}

var settableModes = map[Mode]int{
	ModeOff:  0,
	ModeFan:  1,
	ModeCool: 2,
	ModeHeat: 4,
	ModeAuto: 11,
}

// ModeCode returns the code written to select mode.
func ModeCode(mode Mode) (int, bool) {
	code, ok := settableModes[mode]
	return code, ok
}

// SetMode switches the operating mode, powering the unit off for ModeOff.
func SetMode(mode Mode) (Command, error) {
	code, ok := ModeCode(mode)
	if !ok {
		return Command{}, fmt.Errorf("protocol: mode %q cannot be set", mode)
	}
	power := 1
	if mode == ModeOff {
		power = 0
	}
	return Change(Changes{KeyZone: 0, KeyPower: power, KeyMode: code}), nil
}

// ErrNoSingleSetpoint is returned when the active mode has no single target temperature.
var ErrNoSingleSetpoint = errors.New("protocol: active mode has no single setpoint")

// SetSetpoint sets the target temperature of the currently active mode.
func SetSetpoint(active Mode, temp float64) (Command, error) {
	changes := Changes{KeyZone: 0, KeyPower: 1}
	switch active {
	case ModeCool, ModeCoolOn:
		changes[KeyCoolSP] = int(temp)
	case ModeHeat, ModeHeatOn:
		changes[KeyHeatSP] = int(temp)
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrNoSingleSetpoint, active)
	}
	return Change(changes), nil
}

// SetAutoRange sets the heat (low) and cool (high) bounds used in auto mode.
func SetAutoRange(low, high float64) (Command, error) {
	if low > high {
		return Command{}, fmt.Errorf("protocol: auto range low %v above high %v", low, high)
	}
	return Change(Changes{
		KeyZone:       0,
		KeyPower:      1,
		KeyAutoCoolSP: int(high),
		KeyAutoHeatSP: int(low),
	}), nil
}

var settableFans = map[FanMode]int{
	FanOff:      0,
	FanLow:      1,
	FanHigh:     2,
	FanFullAuto: 128,
	"auto":      128,
}

// FanCode returns the code written to select a fan setting.
func FanCode(fan FanMode) (int, bool) {
	code, ok := settableFans[fan]
	return code, ok
}

// SetFan selects the fan setting.
func SetFan(fan FanMode) (Command, error) {
	code, ok := FanCode(fan)
	if !ok {
		return Command{}, fmt.Errorf("protocol: fan mode %q cannot be set", fan)
	}
	return Change(Changes{KeyZone: 0, KeyFanOnly: code}), nil
}
