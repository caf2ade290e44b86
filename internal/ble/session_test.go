package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
)

const heatStatusJSON = `{"SN":"ET12345","Z_sts":{"0":[60,75,72,68,65,0,1,0,0,0,4,0,70,0,0,5]},"PRM":[15]}`

func assertClosed(t *testing.T, s *Session) {
	t.Helper()
	if s.conn != nil {
		t.Error("session connection should be nil after transaction")
	}
	if s.notify != nil {
		t.Error("notification wait handle should be cleared after transaction")
	}
	if s.sub != nil {
		t.Error("subscription should be released after transaction")
	}
}

func TestPollSuccess(t *testing.T) {
	adapter := newMockAdapter(nil)
	s, rec := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Outcome != PollOK {
		t.Fatalf("Outcome = %v, want ok", res.Outcome)
	}
	if res.Status.Mode != protocol.ModeCool {
		t.Errorf("Mode = %q, want %q", res.Status.Mode, protocol.ModeCool)
	}

	pw := adapter.char(protocol.PasswordCmdUUID)
	if len(pw.writes) != 1 || string(pw.writes[0]) != "secret" {
		t.Errorf("password writes = %q, want [secret]", pw.writes)
	}
	if !pw.confirms[0] {
		t.Error("password write should request confirmation")
	}

	cmd := adapter.char(protocol.JSONCmdUUID)
	want := `{"EM":"user@example.com","TM":1700000000,"Type":"Get Status","Zone":0}`
	if len(cmd.writes) != 1 || string(cmd.writes[0]) != want {
		t.Errorf("command writes = %q, want [%s]", cmd.writes, want)
	}
	if got := adapter.char(protocol.JSONReturnUUID).readCount(); got != 1 {
		t.Errorf("reads = %d, want 1", got)
	}

	if got := adapter.latestConnection().disconnects; got != 1 {
		t.Errorf("disconnects = %d, want 1", got)
	}
	assertClosed(t, s)
	if len(rec.sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", rec.sleeps)
	}
}

func TestPollSkippedWithoutPassword(t *testing.T) {
	adapter := newMockAdapter(nil)
	s, _ := newTestSession(t, adapter, Credentials{Email: "user@example.com"}, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Outcome != PollSkipped {
		t.Errorf("Outcome = %v, want skipped", res.Outcome)
	}
	if res.Status != nil {
		t.Error("skipped poll should carry no status")
	}
	if got := adapter.connectCount(); got != 0 {
		t.Errorf("connects = %d, want 0", got)
	}
}

func TestPollAuthFailureCleansUp(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.char(protocol.PasswordCmdUUID).writeErrs = repeatErr(errGATT, 3)
	s, rec := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if err == nil {
		t.Fatal("Poll() should fail when every auth attempt fails")
	}
	if res.Outcome != PollFailed {
		t.Errorf("Outcome = %v, want failed", res.Outcome)
	}
	if got := FailedStage(err); got != StageAuth {
		t.Errorf("FailedStage = %q, want %q", got, StageAuth)
	}
	if !errors.Is(err, errGATT) {
		t.Errorf("error should wrap the last cause, got %v", err)
	}

	if got := adapter.char(protocol.PasswordCmdUUID).writeCount(); got != 3 {
		t.Errorf("password writes = %d, want 3", got)
	}
	// Each failed attempt drops the link, so attempts 2 and 3 reconnect.
	if got := adapter.connectCount(); got != 3 {
		t.Errorf("connects = %d, want 3", got)
	}
	if got := adapter.char(protocol.JSONCmdUUID).writeCount(); got != 0 {
		t.Errorf("command writes = %d, want 0", got)
	}
	wantSleeps := []time.Duration{2 * time.Second, 2 * time.Second}
	if len(rec.sleeps) != len(wantSleeps) || rec.sleeps[0] != wantSleeps[0] || rec.sleeps[1] != wantSleeps[1] {
		t.Errorf("sleeps = %v, want %v", rec.sleeps, wantSleeps)
	}
	assertClosed(t, s)
}

func TestConnectRetries(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErrs = repeatErr(errors.New("connect timeout"), 6)
	s, rec := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Outcome != PollOK {
		t.Errorf("Outcome = %v, want ok", res.Outcome)
	}
	if got := adapter.connectCount(); got != 7 {
		t.Errorf("connects = %d, want 7", got)
	}
	if got := rec.total(); got != 6*250*time.Millisecond {
		t.Errorf("total pause = %v, want 1.5s", got)
	}
}

func TestConnectGivesUp(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErrs = repeatErr(errors.New("connect timeout"), 7)
	s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if res.Outcome != PollFailed {
		t.Errorf("Outcome = %v, want failed", res.Outcome)
	}
	if got := FailedStage(err); got != StageConnect {
		t.Errorf("FailedStage = %q, want %q", got, StageConnect)
	}
	if got := adapter.char(protocol.PasswordCmdUUID).writeCount(); got != 0 {
		t.Errorf("password writes = %d, want 0", got)
	}
	assertClosed(t, s)
}

func TestConnectWaitsForServices(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.emptyDiscoveries = 1
	s, rec := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if len(rec.sleeps) != 1 || rec.sleeps[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want [2s]", rec.sleeps)
	}
	if !s.Connected() {
		t.Error("session should be connected")
	}
}

func TestConnectNoServices(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.emptyDiscoveries = 2
	s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrNoServices) {
		t.Fatalf("Connect() error = %v, want ErrNoServices", err)
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
	if s.conn != nil {
		t.Error("connection should be torn down")
	}
}

func TestConnectReusesLiveLink(t *testing.T) {
	adapter := newMockAdapter(nil)
	s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	for range 2 {
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.Connected() {
		t.Error("session should be disconnected after Close")
	}
}

func TestPollReadRetry(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.char(protocol.JSONReturnUUID).readErrs = repeatErr(errGATT, 2)
	s, rec := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Outcome != PollOK {
		t.Errorf("Outcome = %v, want ok", res.Outcome)
	}
	if got := adapter.char(protocol.JSONReturnUUID).readCount(); got != 3 {
		t.Errorf("reads = %d, want 3", got)
	}
	wantSleeps := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(rec.sleeps) != 2 || rec.sleeps[0] != wantSleeps[0] || rec.sleeps[1] != wantSleeps[1] {
		t.Errorf("sleeps = %v, want %v", rec.sleeps, wantSleeps)
	}

	st := s.tracker.State(testAddr, OpRead)
	if st.Failures != 1 || st.Delay != 1500*time.Millisecond {
		t.Errorf("read bucket = %+v, want {1.5s 1}", st)
	}
}

func TestPollReadExhausted(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.char(protocol.JSONReturnUUID).readErrs = repeatErr(errGATT, 3)
	s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if res.Outcome != PollFailed {
		t.Errorf("Outcome = %v, want failed", res.Outcome)
	}
	if got := FailedStage(err); got != StageRead {
		t.Errorf("FailedStage = %q, want %q", got, StageRead)
	}
	if got := adapter.char(protocol.JSONReturnUUID).readCount(); got != 3 {
		t.Errorf("reads = %d, want 3", got)
	}
	// The final failed attempt does not grow the bucket.
	if got := s.tracker.State(testAddr, OpRead).Failures; got != 2 {
		t.Errorf("read failures = %d, want 2", got)
	}
	assertClosed(t, s)
}

func TestPollWriteReconnectsAfterDrop(t *testing.T) {
	adapter := newMockAdapter(nil)
	cmd := adapter.char(protocol.JSONCmdUUID)
	cmd.writeErrs = []error{ErrPeerDisconnected}
	calls := 0
	cmd.onWrite = func([]byte) {
		calls++
		if calls == 1 {
			adapter.latestConnection().SimulateDisconnect()
		}
	}
	s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Outcome != PollOK {
		t.Errorf("Outcome = %v, want ok", res.Outcome)
	}
	if got := adapter.connectCount(); got != 2 {
		t.Errorf("connects = %d, want 2", got)
	}
	if got := adapter.char(protocol.PasswordCmdUUID).writeCount(); got != 2 {
		t.Errorf("password writes = %d, want 2", got)
	}
	if got := cmd.writeCount(); got != 2 {
		t.Errorf("command writes = %d, want 2", got)
	}
}

func TestPollNotifyResubscribesAfterDrop(t *testing.T) {
	adapter := newMockAdapter(nil)
	ret := adapter.char(protocol.JSONReturnUUID)
	cmd := adapter.char(protocol.JSONCmdUUID)
	cmd.writeErrs = []error{ErrPeerDisconnected}
	calls := 0
	cmd.onWrite = func([]byte) {
		calls++
		if calls == 1 {
			adapter.latestConnection().SimulateDisconnect()
			return
		}
		ret.SimulateNotification([]byte(heatStatusJSON))
	}
	opts := DefaultSessionOptions()
	opts.StatusMode = StatusModeNotify
	opts.NotifyTimeout = 200 * time.Millisecond
	s, _ := newTestSession(t, adapter, testCreds, opts)

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Status.Mode != protocol.ModeHeat {
		t.Errorf("Mode = %q, want %q (from notification on the new link)", res.Status.Mode, protocol.ModeHeat)
	}
	if got := ret.readCount(); got != 0 {
		t.Errorf("reads = %d, want 0", got)
	}
	if ret.subs != 2 {
		t.Errorf("subscribes = %d, want 2", ret.subs)
	}
	if ret.unsubs != 2 {
		t.Errorf("unsubscribes = %d, want 2", ret.unsubs)
	}
	assertClosed(t, s)
}

func TestPollDecodeFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.char(protocol.JSONReturnUUID).readData = []byte(`{"SN":"ET1"}`)
	s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	res, err := s.Poll(context.Background())
	if res.Outcome != PollFailed {
		t.Errorf("Outcome = %v, want failed", res.Outcome)
	}
	if got := FailedStage(err); got != StageDecode {
		t.Errorf("FailedStage = %q, want %q", got, StageDecode)
	}
	if !errors.Is(err, protocol.ErrMalformedStatus) {
		t.Errorf("error should wrap ErrMalformedStatus, got %v", err)
	}
	assertClosed(t, s)
}

func TestPollNotifyMode(t *testing.T) {
	adapter := newMockAdapter(nil)
	ret := adapter.char(protocol.JSONReturnUUID)
	adapter.char(protocol.JSONCmdUUID).onWrite = func([]byte) {
		ret.SimulateNotification([]byte(heatStatusJSON))
	}
	opts := DefaultSessionOptions()
	opts.StatusMode = StatusModeNotify
	s, _ := newTestSession(t, adapter, testCreds, opts)

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Status.Mode != protocol.ModeHeat {
		t.Errorf("Mode = %q, want %q (from notification)", res.Status.Mode, protocol.ModeHeat)
	}
	if got := ret.readCount(); got != 0 {
		t.Errorf("reads = %d, want 0", got)
	}
	if ret.unsubs != 1 {
		t.Errorf("unsubscribes = %d, want 1", ret.unsubs)
	}
	assertClosed(t, s)
}

func TestPollNotifyTimeoutFallsBackToRead(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := DefaultSessionOptions()
	opts.StatusMode = StatusModeNotify
	opts.NotifyTimeout = 10 * time.Millisecond
	s, _ := newTestSession(t, adapter, testCreds, opts)

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Status.Mode != protocol.ModeCool {
		t.Errorf("Mode = %q, want %q (from read)", res.Status.Mode, protocol.ModeCool)
	}
	if got := adapter.char(protocol.JSONReturnUUID).readCount(); got != 1 {
		t.Errorf("reads = %d, want 1", got)
	}
	assertClosed(t, s)
}

func TestPollNotifySubscribeErrorFallsBackToRead(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.char(protocol.JSONReturnUUID).subErr = errors.New("cccd write failed")
	opts := DefaultSessionOptions()
	opts.StatusMode = StatusModeNotify
	s, _ := newTestSession(t, adapter, testCreds, opts)

	res, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Outcome != PollOK {
		t.Errorf("Outcome = %v, want ok", res.Outcome)
	}
	if got := adapter.char(protocol.JSONReturnUUID).readCount(); got != 1 {
		t.Errorf("reads = %d, want 1", got)
	}
}

func TestSendCommand(t *testing.T) {
	adapter := newMockAdapter(nil)
	s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	cmd, err := protocol.SetMode(protocol.ModeHeat)
	if err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if err := s.SendCommand(context.Background(), cmd); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	want, _ := cmd.Encode()
	writes := adapter.char(protocol.JSONCmdUUID).writes
	if len(writes) != 1 || string(writes[0]) != string(want) {
		t.Errorf("command writes = %q, want [%s]", writes, want)
	}
	if got := adapter.latestConnection().disconnects; got != 1 {
		t.Errorf("disconnects = %d, want 1", got)
	}
	assertClosed(t, s)
}

func TestSendCommandRequiresPassword(t *testing.T) {
	adapter := newMockAdapter(nil)
	s, _ := newTestSession(t, adapter, Credentials{}, DefaultSessionOptions())

	err := s.SendCommand(context.Background(), protocol.Reset())
	if !errors.Is(err, ErrNoPassword) {
		t.Fatalf("SendCommand() error = %v, want ErrNoPassword", err)
	}
	if got := adapter.connectCount(); got != 0 {
		t.Errorf("connects = %d, want 0", got)
	}
}

func TestSendCommandEncodeError(t *testing.T) {
	adapter := newMockAdapter(nil)
	s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

	err := s.SendCommand(context.Background(), protocol.Command{})
	if got := FailedStage(err); got != StageEncode {
		t.Errorf("FailedStage = %q, want %q", got, StageEncode)
	}
	if got := adapter.connectCount(); got != 0 {
		t.Errorf("connects = %d, want 0", got)
	}
}

func TestReboot(t *testing.T) {
	tests := []struct {
		name     string
		writeErr error
		want     RebootOutcome
		wantOK   bool
	}{
		{"acknowledged", nil, RebootSent, true},
		{"peer disconnected", ErrPeerDisconnected, RebootDisconnected, true},
		{"gatt error 133", errors.New("GATT Error 133"), RebootDisconnected, true},
		{"other failure", errGATT, RebootFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			cmd := adapter.char(protocol.JSONCmdUUID)
			if tt.writeErr != nil {
				cmd.writeErrs = []error{tt.writeErr}
			}
			s, _ := newTestSession(t, adapter, testCreds, DefaultSessionOptions())

			got, err := s.Reboot(context.Background())
			if got != tt.want {
				t.Errorf("Reboot() = %v, want %v", got, tt.want)
			}
			if got.OK() != tt.wantOK {
				t.Errorf("OK() = %v, want %v", got.OK(), tt.wantOK)
			}
			if (err == nil) != tt.wantOK {
				t.Errorf("Reboot() error = %v", err)
			}
			if n := cmd.writeCount(); n != 1 {
				t.Errorf("reset writes = %d, want 1", n)
			}
			want := `{"Changes":{"reset":" OK","zone":0},"Type":"Change"}`
			if string(cmd.writes[0]) != want {
				t.Errorf("reset payload = %s, want %s", cmd.writes[0], want)
			}
			assertClosed(t, s)
		})
	}
}

func TestIsResetDisconnect(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrPeerDisconnected, true},
		{errors.Join(errGATT, ErrPeerDisconnected), true},
		{errors.New("Error 133"), true},
		{errors.New("status 133"), false},
		{errors.New("Error 8"), false},
		{ErrNotConnected, false},
	}
	for _, tt := range tests {
		if got := isResetDisconnect(tt.err); got != tt.want {
			t.Errorf("isResetDisconnect(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestPollNeeded(t *testing.T) {
	now := time.Unix(1700000000, 0)
	interval := 30 * time.Second
	tests := []struct {
		name        string
		lastPoll    time.Time
		connectable bool
		want        bool
	}{
		{"never polled", time.Time{}, false, true},
		{"never polled connectable", time.Time{}, true, true},
		{"stale connectable", now.Add(-31 * time.Second), true, true},
		{"stale not connectable", now.Add(-31 * time.Second), false, false},
		{"fresh connectable", now.Add(-10 * time.Second), true, false},
		{"exactly interval", now.Add(-30 * time.Second), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PollNeeded(tt.lastPoll, now, tt.connectable, interval); got != tt.want {
				t.Errorf("PollNeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionOptionsDefaults(t *testing.T) {
	got := SessionOptions{}.withDefaults()
	def := DefaultSessionOptions()
	if got.ConnectAttempts != def.ConnectAttempts || got.AuthAttempts != def.AuthAttempts || got.IOAttempts != def.IOAttempts {
		t.Errorf("attempt ceilings = %d/%d/%d, want %d/%d/%d",
			got.ConnectAttempts, got.AuthAttempts, got.IOAttempts,
			def.ConnectAttempts, def.AuthAttempts, def.IOAttempts)
	}
	if got.ConnectTimeout != 20*time.Second || got.NotifyTimeout != 15*time.Second {
		t.Errorf("timeouts = %v/%v, want 20s/15s", got.ConnectTimeout, got.NotifyTimeout)
	}
	if got.StatusMode != StatusModeRead {
		t.Errorf("StatusMode = %q, want %q", got.StatusMode, StatusModeRead)
	}
}
