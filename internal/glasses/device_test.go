package glasses

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/glasslink/internal/ble"
	"github.com/danmuck/glasslink/internal/ble/bletest"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/demux"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/protocol/session"
	"github.com/danmuck/glasslink/internal/render"
	"github.com/danmuck/glasslink/internal/store"
	"github.com/danmuck/glasslink/internal/testutil/testlog"
)

var (
	left42  = ble.Advertisement{Address: "AA:00:00:00:00:01", Name: "Even G1_42_L_3A1F"}
	right42 = ble.Advertisement{Address: "AA:00:00:00:00:02", Name: "Even G1_42_R_3A1F"}
)

func testConfig() session.Config {
	return session.Config{
		ConnectTimeout:    time.Second,
		BondTimeout:       time.Second,
		BondBackoff:       session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
		BondRetryCeiling:  3,
		ReconnectDelay:    5 * time.Millisecond,
		RightConnectRetry: time.Millisecond,
		JointReadyTimeout: time.Second,
		AckTimeout:        200 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		BatteryPollEvery:  3,
		FailureThreshold:  2,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newDevice(t *testing.T, script bletest.Script, opts Options) (*Device, *bletest.Central) {
	t.Helper()
	script.Auto = true
	central := bletest.New(script)
	if opts.Config == (session.Config{}) {
		opts.Config = testConfig()
	}
	d, err := New(central, opts)
	if err != nil {
		t.Fatalf("expected device, got %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, central
}

func connect(t *testing.T, d *Device, central *bletest.Central) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- d.Connect(context.Background(), "") }()
	waitFor(t, "scan", central.Scanning)
	central.Advertise(left42)
	central.Advertise(right42)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected connect to return")
	}
}

func sentCommand(conn *bletest.Conn, cmd byte) bool {
	if conn == nil {
		return false
	}
	for _, w := range conn.Writes() {
		if len(w) > 0 && w[0] == cmd {
			return true
		}
	}
	return false
}

func nextEvent[T Event](t *testing.T, events <-chan Event, match func(T) bool) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("expected event stream to stay open")
			}
			if e, ok := ev.(T); ok && (match == nil || match(e)) {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func TestConnectInitializesArms(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{})
	connect(t, d, central)

	left, right := central.Conn(left42.Address), central.Conn(right42.Address)
	waitFor(t, "init on left", func() bool { return sentCommand(left, frame.CmdInit) })
	waitFor(t, "mic on right", func() bool { return sentCommand(right, frame.CmdMicrophone) })
	waitFor(t, "heartbeat", func() bool {
		return sentCommand(left, frame.CmdHeartbeat) && sentCommand(right, frame.CmdHeartbeat)
	})

	if sentCommand(right, frame.CmdInit) {
		t.Fatalf("expected init only on the left arm")
	}
	if sentCommand(left, frame.CmdMicrophone) {
		t.Fatalf("expected mic only on the right arm")
	}
	for _, conn := range []*bletest.Conn{left, right} {
		if !sentCommand(conn, frame.CmdFirmwareInfo) || !sentCommand(conn, frame.CmdText) {
			t.Fatalf("expected firmware info and home screen on both arms")
		}
		if conn.MaxOutstanding() > 1 {
			t.Fatalf("expected one write in flight per arm, got %d", conn.MaxOutstanding())
		}
	}
	if got := d.State(); got != protocol.LinkConnected {
		t.Fatalf("expected connected, got %v", got)
	}
	if prefs := d.Preferences(); prefs.Identity != "42" || prefs.LeftName != left42.Name {
		t.Fatalf("expected confirmed pairing saved, got %+v", prefs)
	}
}

func TestSendTextReachesBothArms(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{})
	connect(t, d, central)

	if err := d.SendText(render.SingleColumn, "hello glasses", ""); err != nil {
		t.Fatalf("expected text queued, got %v", err)
	}
	for _, addr := range []string{left42.Address, right42.Address} {
		conn := central.Conn(addr)
		waitFor(t, "text on "+addr, func() bool {
			for _, w := range conn.Writes() {
				if w[0] == frame.CmdText && bytes.Contains(w, []byte("hello glasses")) {
					return true
				}
			}
			return false
		})
	}
}

func TestNotificationWhitelistRestartAndHome(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{})
	connect(t, d, central)

	for _, msg := range []string{"running late", "on my way"} {
		if err := d.SendNotification(frame.Notification{AppID: "chat", Title: "Ana", Message: msg}); err != nil {
			t.Fatalf("expected notification queued, got %v", err)
		}
	}
	if err := d.SetWhitelist([]frame.App{{ID: "com.chat", Name: "Chat"}}); err != nil {
		t.Fatalf("expected whitelist queued, got %v", err)
	}
	if err := d.Restart(); err != nil {
		t.Fatalf("expected restart queued, got %v", err)
	}
	if err := d.ShowHomeScreen(); err != nil {
		t.Fatalf("expected home screen queued, got %v", err)
	}

	for _, addr := range []string{left42.Address, right42.Address} {
		conn := central.Conn(addr)
		waitFor(t, "home screen after restart on "+addr, func() bool {
			restarted := false
			for _, w := range conn.Writes() {
				switch {
				case w[0] == frame.CmdRestart:
					restarted = true
				case restarted && w[0] == frame.CmdText:
					return true
				}
			}
			return false
		})
		var first, second, whitelisted bool
		for _, w := range conn.Writes() {
			switch w[0] {
			case frame.CmdNotification:
				first = first || bytes.Contains(w, []byte(`"msg_id":10`))
				second = second || bytes.Contains(w, []byte(`"msg_id":11`))
			case frame.CmdWhitelist:
				whitelisted = whitelisted || bytes.Contains(w, []byte("com.chat"))
			}
		}
		if !first || !second {
			t.Fatalf("expected notifications with msg_id 10 and 11 on %s", addr)
		}
		if !whitelisted {
			t.Fatalf("expected whitelist with com.chat on %s", addr)
		}
	}
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{})

	if err := d.SendText(render.DoubleColumn, "left", "right"); err != nil {
		t.Fatalf("expected text queued offline, got %v", err)
	}
	connect(t, d, central)
	left := central.Conn(left42.Address)
	waitFor(t, "queued text", func() bool {
		for _, w := range left.Writes() {
			if w[0] == frame.CmdText && bytes.Contains(w, []byte("right")) {
				return true
			}
		}
		return false
	})
}

func TestSendTextRejectsUnknownLayout(t *testing.T) {
	testlog.Start(t)
	d, _ := newDevice(t, bletest.Script{}, Options{})
	if err := d.SendText(render.Layout(9), "x", ""); !errors.Is(err, render.ErrUnknownLayout) {
		t.Fatalf("expected ErrUnknownLayout, got %v", err)
	}
	if err := d.SendBitmap([]byte("nope")); !errors.Is(err, render.ErrInvalidBitmap) {
		t.Fatalf("expected ErrInvalidBitmap, got %v", err)
	}
}

func TestBatteryReportsMinimum(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{})
	events, cancel := d.Subscribe(256)
	defer cancel()
	connect(t, d, central)

	central.Conn(left42.Address).Notify([]byte{frame.CmdBattery, frame.BatteryReport, 80})
	central.Conn(right42.Address).Notify([]byte{frame.CmdBattery, frame.BatteryReport, 40})

	got := nextEvent[GlassesBattery](t, events, nil)
	if got.Level != 40 {
		t.Fatalf("expected level 40, got %d", got.Level)
	}
	if st := d.Status(); st.Battery != [2]int{80, 40} {
		t.Fatalf("expected per-arm levels, got %v", st.Battery)
	}
}

func TestHeadGestureOnlyFromRight(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{})
	events, cancel := d.Subscribe(256)
	defer cancel()
	connect(t, d, central)

	central.Conn(left42.Address).Notify([]byte{frame.CmdDeviceEvent, frame.EventHeadUp})
	central.Conn(right42.Address).Notify([]byte{frame.CmdDeviceEvent, frame.EventHeadDown})

	got := nextEvent[demux.HeadGesture](t, events, nil)
	if got.Side != protocol.Right || got.Gesture != demux.GestureHeadDown {
		t.Fatalf("expected head down from right, got %+v", got)
	}
}

type upperDecoder struct{}

func (upperDecoder) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	return bytes.ToUpper(data), nil
}

func TestAudioDecodedToPCM(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{Audio: upperDecoder{}})
	events, cancel := d.Subscribe(256)
	defer cancel()
	connect(t, d, central)

	central.Conn(right42.Address).Notify(append([]byte{frame.CmdAudio, 7}, []byte("lc3")...))
	got := nextEvent[AudioPCM](t, events, nil)
	if got.Sequence != 7 || string(got.PCM) != "LC3" {
		t.Fatalf("expected decoded frame 7, got %+v", got)
	}
}

func TestConnectReturnsPermanentFailure(t *testing.T) {
	testlog.Start(t)
	script := bletest.Script{BondErr: func(string, int) error { return bletest.ErrScripted }}
	d, central := newDevice(t, script, Options{})
	events, cancel := d.Subscribe(256)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- d.Connect(context.Background(), "42") }()
	waitFor(t, "scan", central.Scanning)
	central.Advertise(left42)

	select {
	case err := <-errc:
		if !errors.Is(err, protocol.ErrPermanentBondFailure) {
			t.Fatalf("expected ErrPermanentBondFailure, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected connect to fail")
	}
	ev := nextEvent[PermanentFailure](t, events, nil)
	if !errors.Is(ev.Err, protocol.ErrPermanentBondFailure) {
		t.Fatalf("expected permanent failure event, got %v", ev.Err)
	}
	if got := central.BondAttempts(left42.Address); got != 3 {
		t.Fatalf("expected 3 bond attempts, got %d", got)
	}
}

func TestConnectHonorsContext(t *testing.T) {
	testlog.Start(t)
	d, _ := newDevice(t, bletest.Script{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := d.Connect(ctx, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !d.Status().Link.Wanted {
		t.Fatalf("expected the link to stay wanted after the caller gave up")
	}
	d.Disconnect()
	if d.Status().Link.Wanted {
		t.Fatalf("expected disconnect to drop the link")
	}
}

func TestConnectRejectsBadHint(t *testing.T) {
	testlog.Start(t)
	d, _ := newDevice(t, bletest.Script{}, Options{})
	if err := d.Connect(context.Background(), "G1"); err == nil {
		t.Fatalf("expected an invalid hint error")
	}
	if err := d.SavePreferredIdentity(context.Background(), "abc"); err == nil {
		t.Fatalf("expected an invalid identity error")
	}
}

func TestControlPersistsPreferences(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	mem := store.NewMemory()
	d, _ := newDevice(t, bletest.Script{}, Options{Store: mem})

	if err := d.SendControl(ctx, Control{Kind: ControlBrightness, Value: 80, Auto: true}); err != nil {
		t.Fatalf("expected brightness queued, got %v", err)
	}
	if err := d.SendControl(ctx, Control{Kind: ControlMicrophone, Enabled: true}); err != nil {
		t.Fatalf("expected mic queued, got %v", err)
	}
	if err := d.SendControl(ctx, Control{Kind: "volume"}); !errors.Is(err, ErrUnknownControl) {
		t.Fatalf("expected ErrUnknownControl, got %v", err)
	}

	again, _ := newDevice(t, bletest.Script{}, Options{Store: mem})
	prefs := again.Preferences()
	if prefs.Brightness != 80 || !prefs.AutoBrightness || !prefs.Microphone {
		t.Fatalf("expected restored preferences, got %+v", prefs)
	}

	if err := again.ForgetPairing(ctx); err != nil {
		t.Fatalf("expected forget to succeed, got %v", err)
	}
	if got := again.Preferences(); got != store.DefaultPreferences() {
		t.Fatalf("expected defaults after forget, got %+v", got)
	}
}

// slowStore parks every Set until release is closed.
type slowStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) Set(ctx context.Context, key, value string) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Memory.Set(ctx, key, value)
}

func TestSlowStoreDoesNotBlockStatus(t *testing.T) {
	testlog.Start(t)
	st := &slowStore{Memory: store.NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	d, _ := newDevice(t, bletest.Script{}, Options{Store: st})

	errc := make(chan error, 1)
	go func() {
		errc <- d.SendControl(context.Background(), Control{Kind: ControlHeadUpAngle, Value: 30})
	}()
	select {
	case <-st.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the store write")
	}

	status := make(chan Status, 1)
	go func() { status <- d.Status() }()
	select {
	case <-status:
	case <-time.After(time.Second):
		close(st.release)
		t.Fatalf("expected Status while a preference write is in flight")
	}

	close(st.release)
	if err := <-errc; err != nil {
		t.Fatalf("expected control to succeed, got %v", err)
	}
	if got := d.Preferences().HeadUpAngle; got != 30 {
		t.Fatalf("expected head-up angle 30, got %d", got)
	}
}

func TestDegradedLinkWarnsOnce(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.AckTimeout = 5 * time.Millisecond
	d, central := newDevice(t, bletest.Script{HoldAcks: true}, Options{Config: cfg})
	events, cancel := d.Subscribe(1024)
	defer cancel()
	connect(t, d, central)

	ev := nextEvent[Warning](t, events, func(w Warning) bool {
		return errors.Is(w.Err, protocol.ErrLinkDegraded)
	})
	if !errors.Is(ev.Err, protocol.ErrLinkDegraded) {
		t.Fatalf("expected degraded warning, got %v", ev.Err)
	}
	if !d.Status().Degraded {
		t.Fatalf("expected degraded status")
	}
}

func TestTextNackWarns(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{})
	events, cancel := d.Subscribe(256)
	defer cancel()
	connect(t, d, central)

	central.Conn(left42.Address).Notify([]byte{frame.CmdText, frame.StatusFailure})
	ev := nextEvent[Warning](t, events, nil)
	if !errors.Is(ev.Err, protocol.ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch warning, got %v", ev.Err)
	}
}

func TestUnknownNotificationWarns(t *testing.T) {
	testlog.Start(t)
	d, central := newDevice(t, bletest.Script{}, Options{})
	events, cancel := d.Subscribe(256)
	defer cancel()
	connect(t, d, central)

	central.Conn(right42.Address).Notify([]byte{0x99, 0x01, 0x02})
	ev := nextEvent[Warning](t, events, nil)
	if !errors.Is(ev.Err, protocol.ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch warning, got %v", ev.Err)
	}
	var side *protocol.SideError
	if !errors.As(ev.Err, &side) || side.Side != protocol.Right {
		t.Fatalf("expected warning attributed to the right arm, got %v", ev.Err)
	}
	nextEvent[demux.Unknown](t, events, nil)
}

func TestCloseRejectsWork(t *testing.T) {
	testlog.Start(t)
	d, _ := newDevice(t, bletest.Script{}, Options{})
	events, _ := d.Subscribe(4)
	if err := d.Close(); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	if err := d.SendText(render.SingleColumn, "x", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := d.Connect(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for range events {
	}
}
