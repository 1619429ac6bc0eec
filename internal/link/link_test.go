package link

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/glasslink/internal/ble"
	"github.com/danmuck/glasslink/internal/ble/bletest"
	"github.com/danmuck/glasslink/internal/protocol"
	"github.com/danmuck/glasslink/internal/protocol/frame"
	"github.com/danmuck/glasslink/internal/protocol/session"
	"github.com/danmuck/glasslink/internal/testutil/testlog"
)

type recorder struct {
	mu        sync.Mutex
	states    []protocol.PeripheralState
	bondFails []error
	permanent int
	notes     [][]byte
	acks      []error
}

func (r *recorder) LinkStateChanged(_ protocol.Side, _, to protocol.PeripheralState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) LinkBondFailed(_ protocol.Side, err error, permanent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bondFails = append(r.bondFails, err)
	if permanent {
		r.permanent++
	}
}

func (r *recorder) LinkNotification(_ protocol.Side, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, p)
}

func (r *recorder) LinkWriteComplete(_ protocol.Side, _ uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, err)
}

func (r *recorder) snapshot() (states []protocol.PeripheralState, fails, permanent, notes, acks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.PeripheralState(nil), r.states...), len(r.bondFails), r.permanent, len(r.notes), len(r.acks)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() session.Config {
	return session.Config{
		ConnectTimeout:   time.Second,
		BondTimeout:      time.Second,
		BondBackoff:      session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
		BondRetryCeiling: 3,
	}
}

var leftAdv = ble.Advertisement{Address: "AA:00:00:00:00:01", Name: "Even G1_42_L_3A1F", RSSI: -50}

func bondedLink(t *testing.T, c *bletest.Central, cfg session.Config, obs Observer) *Link {
	t.Helper()
	l := New(protocol.Left, c, cfg, obs)
	if err := l.BeginScan(); err != nil {
		t.Fatalf("begin scan: %v", err)
	}
	if !l.Discovered(leftAdv) {
		t.Fatalf("expected advertisement to bind")
	}
	if err := l.StartBonding(); err != nil {
		t.Fatalf("start bonding: %v", err)
	}
	if err := c.CompleteBond(leftAdv.Address, nil); err != nil {
		t.Fatalf("complete bond: %v", err)
	}
	if got := l.State(); got != protocol.StateBonded {
		t.Fatalf("expected bonded, got %s", got)
	}
	return l
}

func readyLink(t *testing.T, c *bletest.Central, obs Observer) (*Link, *bletest.Conn) {
	t.Helper()
	l := bondedLink(t, c, testConfig(), obs)
	if err := l.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := c.Conn(leftAdv.Address)
	conn.Connected()
	if !conn.Discovering() {
		t.Fatalf("expected service discovery after connect")
	}
	conn.Discovered(nil)
	if got := l.State(); got != protocol.StateServiceReady {
		t.Fatalf("expected service_ready, got %s", got)
	}
	return l, conn
}

func TestLinkReachesServiceReady(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	c := bletest.New(bletest.Script{})
	l, conn := readyLink(t, c, rec)
	defer l.Close()

	if !conn.Subscribed() {
		t.Fatalf("expected rx subscription")
	}
	if l.Identity() != "42" {
		t.Fatalf("expected identity 42, got %q", l.Identity())
	}
	states, _, _, _, _ := rec.snapshot()
	want := []protocol.PeripheralState{
		protocol.StateScanning, protocol.StateBonding, protocol.StateBonded,
		protocol.StateConnecting, protocol.StateServiceReady,
	}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, states)
		}
	}
}

func TestLinkWriteAndInbound(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	c := bletest.New(bletest.Script{})
	l, conn := readyLink(t, c, rec)
	defer l.Close()

	if !l.Write(1, frame.BatteryQuery()) {
		t.Fatalf("expected write to be accepted")
	}
	writes := conn.Writes()
	if len(writes) != 1 || writes[0][0] != frame.CmdBattery {
		t.Fatalf("expected one battery query write, got %x", writes)
	}
	conn.Ack(nil)
	conn.Notify([]byte{0x2C, 0x66, 80})
	_, _, _, notes, acks := rec.snapshot()
	if notes != 1 || acks != 1 {
		t.Fatalf("expected 1 notification and 1 ack, got %d and %d", notes, acks)
	}
}

func TestLinkDiscoverFiltersSide(t *testing.T) {
	testlog.Start(t)
	c := bletest.New(bletest.Script{})
	l := New(protocol.Left, c, testConfig(), &recorder{})
	defer l.Close()

	if l.Discovered(leftAdv) {
		t.Fatalf("expected discovery to be ignored outside scanning")
	}
	_ = l.BeginScan()
	if l.Discovered(ble.Advertisement{Address: "BB", Name: "Even G1_42_R_3A1F"}) {
		t.Fatalf("expected right arm advertisement to be ignored")
	}
	if l.Discovered(ble.Advertisement{Address: "CC", Name: "Some Speaker"}) {
		t.Fatalf("expected foreign advertisement to be ignored")
	}
	if !l.Discovered(leftAdv) {
		t.Fatalf("expected left arm advertisement to bind")
	}
	if l.Discovered(ble.Advertisement{Address: "DD", Name: "Even G1_7_L_0000"}) {
		t.Fatalf("expected only the first advertisement to bind")
	}
}

func TestLinkOperationsRequireState(t *testing.T) {
	testlog.Start(t)
	c := bletest.New(bletest.Script{})
	l := New(protocol.Left, c, testConfig(), &recorder{})
	defer l.Close()

	if err := l.StartBonding(); !errors.Is(err, ErrNotDiscovered) {
		t.Fatalf("expected ErrNotDiscovered, got %v", err)
	}
	_ = l.BeginScan()
	if err := l.Connect(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if l.Write(1, frame.BatteryQuery()) {
		t.Fatalf("expected write to be refused before service ready")
	}
}

func TestLinkBondRetryCeiling(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	c := bletest.New(bletest.Script{
		Auto:    true,
		BondErr: func(string, int) error { return bletest.ErrScripted },
	})
	cfg := testConfig()
	l := New(protocol.Left, c, cfg, rec)
	defer l.Close()

	_ = l.BeginScan()
	l.Discovered(leftAdv)
	if err := l.StartBonding(); err != nil {
		t.Fatalf("start bonding: %v", err)
	}
	waitFor(t, "permanent bond failure", func() bool {
		_, _, permanent, _, _ := rec.snapshot()
		return permanent == 1
	})
	time.Sleep(20 * time.Millisecond)

	if got := c.BondAttempts(leftAdv.Address); got != cfg.BondRetryCeiling {
		t.Fatalf("expected %d bond attempts, got %d", cfg.BondRetryCeiling, got)
	}
	_, fails, permanent, _, _ := rec.snapshot()
	if fails != cfg.BondRetryCeiling || permanent != 1 {
		t.Fatalf("expected %d failures with 1 permanent, got %d and %d", cfg.BondRetryCeiling, fails, permanent)
	}
	if err := l.StartBonding(); !errors.Is(err, protocol.ErrPermanentBondFailure) {
		t.Fatalf("expected ErrPermanentBondFailure, got %v", err)
	}
	if got := l.State(); got != protocol.StateIdle {
		t.Fatalf("expected idle after permanent failure, got %s", got)
	}
}

func TestLinkBondRecoversBeforeCeiling(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	c := bletest.New(bletest.Script{
		Auto: true,
		BondErr: func(_ string, attempt int) error {
			if attempt < 2 {
				return bletest.ErrScripted
			}
			return nil
		},
	})
	l := New(protocol.Left, c, testConfig(), rec)
	defer l.Close()

	_ = l.BeginScan()
	l.Discovered(leftAdv)
	_ = l.StartBonding()
	waitFor(t, "bonded", func() bool { return l.State() == protocol.StateBonded })

	_, fails, permanent, _, _ := rec.snapshot()
	if fails != 1 || permanent != 0 {
		t.Fatalf("expected one transient failure, got %d (permanent %d)", fails, permanent)
	}
}

func TestLinkBondTimeout(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	c := bletest.New(bletest.Script{})
	cfg := testConfig()
	cfg.BondTimeout = 5 * time.Millisecond
	cfg.BondRetryCeiling = 1
	l := New(protocol.Left, c, cfg, rec)
	defer l.Close()

	_ = l.BeginScan()
	l.Discovered(leftAdv)
	_ = l.StartBonding()
	waitFor(t, "bond timeout", func() bool {
		_, _, permanent, _, _ := rec.snapshot()
		return permanent == 1
	})
	// a late platform result must not resurrect the attempt
	_ = c.CompleteBond(leftAdv.Address, nil)
	if got := l.State(); got != protocol.StateIdle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestLinkConnectTimeout(t *testing.T) {
	testlog.Start(t)
	c := bletest.New(bletest.Script{})
	cfg := testConfig()
	cfg.ConnectTimeout = 5 * time.Millisecond
	l := bondedLink(t, c, cfg, &recorder{})
	defer l.Close()

	_ = l.Connect()
	waitFor(t, "connect timeout", func() bool { return l.State() == protocol.StateDisconnected })
	if !c.Conn(leftAdv.Address).Closed() {
		t.Fatalf("expected connection to be closed on timeout")
	}
}

func TestLinkMissingServiceDisconnects(t *testing.T) {
	testlog.Start(t)
	c := bletest.New(bletest.Script{})
	l := bondedLink(t, c, testConfig(), &recorder{})
	defer l.Close()

	_ = l.Connect()
	conn := c.Conn(leftAdv.Address)
	conn.Connected()
	conn.Discovered(ble.ErrServiceNotFound)
	if got := l.State(); got != protocol.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if conn.Subscribed() {
		t.Fatalf("expected no subscription without the uart service")
	}
}

func TestLinkDropAndStaleCallbacks(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	c := bletest.New(bletest.Script{})
	l, conn := readyLink(t, c, rec)
	defer l.Close()

	conn.Drop(nil)
	if got := l.State(); got != protocol.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	conn.Notify([]byte{0x25})
	conn.Ack(nil)
	_, _, _, notes, acks := rec.snapshot()
	if notes != 0 || acks != 0 {
		t.Fatalf("expected stale callbacks to be ignored, got %d notes %d acks", notes, acks)
	}
	if l.Disconnect() {
		t.Fatalf("expected disconnect of a disconnected link to be a no-op")
	}
}

func TestLinkBondIsDurable(t *testing.T) {
	testlog.Start(t)
	c := bletest.New(bletest.Script{})
	l, _ := readyLink(t, c, &recorder{})
	defer l.Close()

	if !l.Disconnect() {
		t.Fatalf("expected forced disconnect")
	}
	_ = l.BeginScan()
	l.Discovered(leftAdv)
	if err := l.StartBonding(); err != nil {
		t.Fatalf("start bonding: %v", err)
	}
	if got := l.State(); got != protocol.StateBonded {
		t.Fatalf("expected immediate bonded, got %s", got)
	}
	if got := c.BondAttempts(leftAdv.Address); got != 1 {
		t.Fatalf("expected a single platform bond, got %d", got)
	}
}

func TestLinkUnbondAndClose(t *testing.T) {
	testlog.Start(t)
	c := bletest.New(bletest.Script{})
	l := bondedLink(t, c, testConfig(), &recorder{})

	if err := l.Unbond(); err != nil {
		t.Fatalf("unbond: %v", err)
	}
	if removed := c.Removed(); len(removed) != 1 || removed[0] != leftAdv.Address {
		t.Fatalf("expected bond removal for %s, got %v", leftAdv.Address, removed)
	}
	if l.Bonded() || l.Identity() != "" {
		t.Fatalf("expected bond and identity to be cleared")
	}
	l.Close()
	if err := l.BeginScan(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
