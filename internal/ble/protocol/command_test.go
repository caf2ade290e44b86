package protocol

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

var testNow = time.Unix(1700000000, 0)

func mustEncode(t *testing.T, cmd Command) string {
	t.Helper()
	data, err := cmd.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return string(data)
}

func TestGetStatusEncode(t *testing.T) {
	got := mustEncode(t, GetStatus("", testNow))
	want := `{"EM":null,"TM":1700000000,"Type":"Get Status","Zone":0}`
	if got != want {
		t.Errorf("GetStatus(\"\") = %s, want %s", got, want)
	}

	got = mustEncode(t, GetStatus("me@example.com", testNow))
	want = `{"EM":"me@example.com","TM":1700000000,"Type":"Get Status","Zone":0}`
	if got != want {
		t.Errorf("GetStatus(email) = %s, want %s", got, want)
	}
}

func TestResetEncode(t *testing.T) {
	got := mustEncode(t, Reset())
	want := `{"Changes":{"reset":" OK","zone":0},"Type":"Change"}`
	if got != want {
		t.Errorf("Reset() = %s, want %s", got, want)
	}
}

func TestEncodeMergesFields(t *testing.T) {
	cmd := Command{Type: "Custom", Fields: map[string]any{"Zone": 0, "X": "y"}}
	got := mustEncode(t, cmd)
	want := `{"Type":"Custom","X":"y","Zone":0}`
	if got != want {
		t.Errorf("Encode() = %s, want %s", got, want)
	}
}

func TestEncodeRequiresType(t *testing.T) {
	if _, err := (Command{}).Encode(); err == nil {
		t.Error("Encode() with empty Type should fail")
	}
}

func TestSetMode(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{ModeOff, `{"Changes":{"mode":0,"power":0,"zone":0},"Type":"Change"}`},
		{ModeFan, `{"Changes":{"mode":1,"power":1,"zone":0},"Type":"Change"}`},
		{ModeCool, `{"Changes":{"mode":2,"power":1,"zone":0},"Type":"Change"}`},
		{ModeHeat, `{"Changes":{"mode":4,"power":1,"zone":0},"Type":"Change"}`},
		{ModeAuto, `{"Changes":{"mode":11,"power":1,"zone":0},"Type":"Change"}`},
	}
	for _, tt := range tests {
		cmd, err := SetMode(tt.mode)
		if err != nil {
			t.Fatalf("SetMode(%q) error = %v", tt.mode, err)
		}
		if got := mustEncode(t, cmd); got != tt.want {
			t.Errorf("SetMode(%q) = %s, want %s", tt.mode, got, tt.want)
		}
	}

	if _, err := SetMode(ModeCoolOn); err == nil {
		t.Error("SetMode(cool_on) should fail: it is a state, not a selectable mode")
	}
}

func TestSetSetpoint(t *testing.T) {
	cmd, err := SetSetpoint(ModeCool, 71.6)
	if err != nil {
		t.Fatalf("SetSetpoint(cool) error = %v", err)
	}
	if got, want := mustEncode(t, cmd), `{"Changes":{"cool_sp":71,"power":1,"zone":0},"Type":"Change"}`; got != want {
		t.Errorf("SetSetpoint(cool) = %s, want %s", got, want)
	}

	cmd, err = SetSetpoint(ModeHeatOn, 66)
	if err != nil {
		t.Fatalf("SetSetpoint(heat_on) error = %v", err)
	}
	if got, want := mustEncode(t, cmd), `{"Changes":{"heat_sp":66,"power":1,"zone":0},"Type":"Change"}`; got != want {
		t.Errorf("SetSetpoint(heat_on) = %s, want %s", got, want)
	}

	for _, m := range []Mode{ModeAuto, ModeFan, ModeOff, ""} {
		if _, err := SetSetpoint(m, 70); !errors.Is(err, ErrNoSingleSetpoint) {
			t.Errorf("SetSetpoint(%q) error = %v, want ErrNoSingleSetpoint", m, err)
		}
	}
}

func TestSetAutoRange(t *testing.T) {
	cmd, err := SetAutoRange(64, 76)
	if err != nil {
		t.Fatalf("SetAutoRange() error = %v", err)
	}
	want := `{"Changes":{"autoCool_sp":76,"autoHeat_sp":64,"power":1,"zone":0},"Type":"Change"}`
	if got := mustEncode(t, cmd); got != want {
		t.Errorf("SetAutoRange() = %s, want %s", got, want)
	}
	if _, err := SetAutoRange(80, 70); err == nil {
		t.Error("SetAutoRange(80, 70) should fail")
	}
}

func TestSetFan(t *testing.T) {
	tests := map[FanMode]string{
		FanOff:      `{"Changes":{"fanOnly":0,"zone":0},"Type":"Change"}`,
		FanLow:      `{"Changes":{"fanOnly":1,"zone":0},"Type":"Change"}`,
		FanHigh:     `{"Changes":{"fanOnly":2,"zone":0},"Type":"Change"}`,
		FanFullAuto: `{"Changes":{"fanOnly":128,"zone":0},"Type":"Change"}`,
		"auto":      `{"Changes":{"fanOnly":128,"zone":0},"Type":"Change"}`,
	}
	for fan, want := range tests {
		cmd, err := SetFan(fan)
		if err != nil {
			t.Fatalf("SetFan(%q) error = %v", fan, err)
		}
		if got := mustEncode(t, cmd); got != want {
			t.Errorf("SetFan(%q) = %s, want %s", fan, got, want)
		}
	}
	if _, err := SetFan(FanCycledL); err == nil {
		t.Error("SetFan(cycledL) should fail")
	}
}

func TestSetLocation(t *testing.T) {
	cmd, err := SetLocation(45.123456, -122.5, testNow)
	if err != nil {
		t.Fatalf("SetLocation() error = %v", err)
	}
	want := `{"LAT":"45.12346","LON":"-122.50000","TM":1700000000,"Type":"Get Status","Zone":0}`
	if got := mustEncode(t, cmd); got != want {
		t.Errorf("SetLocation() = %s, want %s", got, want)
	}

	if _, err := SetLocation(91, 0, testNow); err == nil {
		t.Error("SetLocation(91, 0) should fail")
	}
	if _, err := SetLocation(0, -180.5, testNow); err == nil {
		t.Error("SetLocation(0, -180.5) should fail")
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"Type":"Change","Changes":{"zone":0,"cool_sp":70}}`))
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if cmd.Type != TypeChange {
		t.Errorf("Type = %q, want %q", cmd.Type, TypeChange)
	}
	want := Changes{"zone": float64(0), "cool_sp": float64(70)}
	if !reflect.DeepEqual(cmd.Changes, want) {
		t.Errorf("Changes = %v, want %v", cmd.Changes, want)
	}
	if cmd.Fields != nil {
		t.Errorf("Fields = %v, want nil", cmd.Fields)
	}

	cmd, err = ParseCommand([]byte(`{"Type":"Get Status","Zone":0,"EM":null}`))
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if got := mustEncode(t, cmd); got != `{"EM":null,"Type":"Get Status","Zone":0}` {
		t.Errorf("round trip = %s", got)
	}

	for _, bad := range []string{`[]`, `{}`, `{"Type":""}`, `{"Type":5}`, `{"Type":"Change","Changes":[1]}`} {
		if _, err := ParseCommand([]byte(bad)); err == nil {
			t.Errorf("ParseCommand(%s) should fail", bad)
		}
	}
}
