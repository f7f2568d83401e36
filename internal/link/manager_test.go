package link

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/clock"
)

type fakeRadio struct {
	calls []string

	startErr   error
	addrErr    error
	connectErr error
	scanErr    error

	// connectedAfter is the number of Status calls that report
	// disconnected before the link comes up; -1 never connects.
	connectedAfter int
	statusCalls    int
	status         StationStatus

	scan      []ScanEntry
	lastJoin  JoinRequest
	powerSave []bool
}

func (f *fakeRadio) StartAccessPoint(ctx context.Context, ap AccessPoint) error {
	f.calls = append(f.calls, "start-ap")
	return f.startErr
}

func (f *fakeRadio) ConfigureAccessPointAddress(ctx context.Context, addr netip.Prefix) error {
	f.calls = append(f.calls, "ap-address")
	return f.addrErr
}

func (f *fakeRadio) SetTxPower(ctx context.Context, dbm float64) error {
	f.calls = append(f.calls, "tx-power")
	return nil
}

func (f *fakeRadio) SetPowerSave(ctx context.Context, enabled bool) error {
	f.calls = append(f.calls, "power-save")
	f.powerSave = append(f.powerSave, enabled)
	return nil
}

func (f *fakeRadio) Connect(ctx context.Context, req JoinRequest) error {
	f.calls = append(f.calls, "connect")
	f.lastJoin = req
	f.statusCalls = 0
	return f.connectErr
}

func (f *fakeRadio) Status(ctx context.Context) (StationStatus, error) {
	f.statusCalls++
	if f.connectedAfter < 0 || f.statusCalls <= f.connectedAfter {
		return StationStatus{}, nil
	}
	return f.status, nil
}

func (f *fakeRadio) Disconnect(ctx context.Context) error {
	f.calls = append(f.calls, "disconnect")
	return nil
}

func (f *fakeRadio) Scan(ctx context.Context) ([]ScanEntry, error) {
	return f.scan, f.scanErr
}

func (f *fakeRadio) HardwareAddr() (net.HardwareAddr, error) {
	return net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x12, 0xab}, nil
}

var (
	epoch  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	apAddr = netip.MustParsePrefix("192.168.4.1/24")
	joined = StationStatus{
		Connected: true,
		SSID:      "home",
		Peer:      "aa:aa:aa:aa:aa:01",
		Signal:    -60,
		Address:   netip.MustParseAddr("10.0.0.20"),
	}
)

func newTestManager(r *fakeRadio) (*Manager, *clock.Fake) {
	clk := clock.NewFake(epoch)
	return NewManager(r, Config{TxPowerDBm: 8.5}, clk), clk
}

func TestBringUpFallback_TxPowerAfterActivation(t *testing.T) {
	r := &fakeRadio{}
	m, _ := newTestManager(r)

	addr, err := m.BringUpFallback(context.Background(), AccessPoint{SSID: "fallback", Address: apAddr})
	if err != nil {
		t.Fatalf("BringUpFallback err=%v", err)
	}
	if addr != apAddr.Addr() {
		t.Fatalf("addr=%s want %s", addr, apAddr.Addr())
	}

	want := []string{"start-ap", "tx-power", "power-save", "ap-address"}
	if len(r.calls) != len(want) {
		t.Fatalf("calls=%v want %v", r.calls, want)
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Fatalf("calls=%v want %v", r.calls, want)
		}
	}
	if !m.State().FallbackUp {
		t.Fatalf("fallback not marked up")
	}
}

func TestBringUpFallback_Errors(t *testing.T) {
	r := &fakeRadio{startErr: errors.New("boom")}
	m, _ := newTestManager(r)
	if _, err := m.BringUpFallback(context.Background(), AccessPoint{Address: apAddr}); !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("err=%v want ErrActivationFailed", err)
	}
	for _, c := range r.calls {
		if c == "tx-power" {
			t.Fatalf("tx power applied without activation: %v", r.calls)
		}
	}

	r = &fakeRadio{addrErr: errors.New("boom")}
	m, _ = newTestManager(r)
	if _, err := m.BringUpFallback(context.Background(), AccessPoint{Address: apAddr}); !errors.Is(err, ErrAddressConfigFailed) {
		t.Fatalf("err=%v want ErrAddressConfigFailed", err)
	}
}

func TestAttemptJoin_Joined(t *testing.T) {
	r := &fakeRadio{connectedAfter: 3, status: joined}
	m, clk := newTestManager(r)

	out, err := m.AttemptJoin(context.Background(), "home", "secret", DefaultJoinTimeout)
	if err != nil {
		t.Fatalf("AttemptJoin err=%v", err)
	}
	if !out.Joined || out.Peer != joined.Peer || out.Signal != -60 {
		t.Fatalf("outcome=%+v", out)
	}
	if clk.Slept() != 3*DefaultPollInterval {
		t.Fatalf("slept=%s want %s", clk.Slept(), 3*DefaultPollInterval)
	}
	if r.calls[0] != "connect" || r.calls[1] != "tx-power" {
		t.Fatalf("tx power must follow connect: %v", r.calls)
	}

	s := m.State()
	if !s.StationJoined || s.Signal == nil || *s.Signal != -60 || s.Mode != ModeFallbackPlusStation {
		t.Fatalf("state=%+v", s)
	}
}

func TestAttemptJoin_TimedOutIsBounded(t *testing.T) {
	r := &fakeRadio{connectedAfter: -1}
	m, clk := newTestManager(r)

	out, err := m.AttemptJoin(context.Background(), "home", "secret", 2*time.Second)
	if err != nil {
		t.Fatalf("AttemptJoin err=%v", err)
	}
	if out.Joined {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if clk.Slept() != 2*time.Second {
		t.Fatalf("slept=%s want 2s", clk.Slept())
	}
	s := m.State()
	if s.StationJoined || s.Signal != nil {
		t.Fatalf("joined=false must clear signal: %+v", s)
	}
}

func TestAttemptJoin_TimedOutLinkCanStillComeUp(t *testing.T) {
	r := &fakeRadio{connectedAfter: -1, status: joined}
	m, _ := newTestManager(r)
	ctx := context.Background()

	out, err := m.AttemptJoin(ctx, "home", "secret", time.Second)
	if err != nil || out.Joined {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	if s := m.State(); s.Mode != ModeFallbackPlusStation || s.StationJoined {
		t.Fatalf("state after timeout=%+v", s)
	}
	if got := m.Refresh(ctx); got != Unchanged {
		t.Fatalf("refresh while still down=%v", got)
	}

	r.connectedAfter = 0
	if got := m.Refresh(ctx); got != Regained {
		t.Fatalf("got %v want Regained", got)
	}
	if s := m.State(); !s.StationJoined || s.Address != joined.Address {
		t.Fatalf("state=%+v", s)
	}
}

func TestAttemptJoin_ConnectErrorKeepsState(t *testing.T) {
	r := &fakeRadio{connectedAfter: 0, status: joined}
	m, _ := newTestManager(r)
	if _, err := m.AttemptJoin(context.Background(), "home", "", time.Second); err != nil {
		t.Fatalf("err=%v", err)
	}

	r.connectErr = errors.New("busy")
	if _, err := m.AttemptJoin(context.Background(), "other", "", time.Second); !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("err=%v want ErrJoinFailed", err)
	}
	if s := m.State(); !s.StationJoined || s.SSID != "home" {
		t.Fatalf("state changed on radio error: %+v", s)
	}
}

func TestAttemptJoin_PowerSaveInhibited(t *testing.T) {
	r := &fakeRadio{connectedAfter: 0, status: joined}
	m, _ := newTestManager(r)
	if err := m.InhibitPowerSave(context.Background(), true); err != nil {
		t.Fatalf("inhibit err=%v", err)
	}
	r.powerSave = nil
	if _, err := m.AttemptJoin(context.Background(), "home", "", time.Second); err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(r.powerSave) != 0 {
		t.Fatalf("power save touched while inhibited: %v", r.powerSave)
	}
}

func TestRoam_PinsPeer(t *testing.T) {
	r := &fakeRadio{connectedAfter: 0, status: joined}
	m, _ := newTestManager(r)

	c := Candidate{Peer: "aa:aa:aa:aa:aa:02", SSID: "home", Signal: -50}
	if _, err := m.Roam(context.Background(), "secret", c, time.Second); err != nil {
		t.Fatalf("Roam err=%v", err)
	}
	if r.calls[0] != "disconnect" {
		t.Fatalf("roam must disconnect first: %v", r.calls)
	}
	if r.lastJoin.Peer != c.Peer || r.lastJoin.SSID != "home" {
		t.Fatalf("join=%+v", r.lastJoin)
	}
}

func TestRefresh_LostAndRegained(t *testing.T) {
	r := &fakeRadio{connectedAfter: 0, status: joined}
	m, _ := newTestManager(r)
	ctx := context.Background()

	if got := m.Refresh(ctx); got != Unchanged {
		t.Fatalf("refresh before any join=%v", got)
	}
	if _, err := m.AttemptJoin(ctx, "home", "", time.Second); err != nil {
		t.Fatalf("err=%v", err)
	}

	r.connectedAfter = -1
	if got := m.Refresh(ctx); got != Lost {
		t.Fatalf("got %v want Lost", got)
	}
	if _, ok := m.CurrentSignal(); ok {
		t.Fatalf("signal present after loss")
	}

	r.connectedAfter = 0
	if got := m.Refresh(ctx); got != Regained {
		t.Fatalf("got %v want Regained", got)
	}
	if p, ok := m.CurrentPeer(); !ok || p != joined.Peer {
		t.Fatalf("peer=%q ok=%t", p, ok)
	}
}

func TestDisconnectStation(t *testing.T) {
	r := &fakeRadio{connectedAfter: 0, status: joined}
	m, _ := newTestManager(r)
	ctx := context.Background()
	if _, err := m.BringUpFallback(ctx, AccessPoint{Address: apAddr}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.AttemptJoin(ctx, "home", "", time.Second); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := m.DisconnectStation(ctx); err != nil {
		t.Fatalf("err=%v", err)
	}
	s := m.State()
	if s.StationJoined || s.Mode != ModeFallbackOnly || !s.FallbackUp {
		t.Fatalf("state=%+v", s)
	}
}

func TestScan_DedupAndFilter(t *testing.T) {
	r := &fakeRadio{scan: []ScanEntry{
		{SSID: "home", Peer: "p1", Signal: -80},
		{SSID: "home", Peer: "p2", Signal: -70},
		{SSID: "home", Peer: "p1", Signal: -60},
		{SSID: "guest", Peer: "p3", Signal: -40},
		{SSID: "home", Peer: "p1", Signal: -90},
	}}
	m, _ := newTestManager(r)

	got, err := m.Scan(context.Background(), "home")
	if err != nil {
		t.Fatalf("Scan err=%v", err)
	}
	want := []Candidate{
		{Peer: "p1", SSID: "home", Signal: -60},
		{Peer: "p2", SSID: "home", Signal: -70},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %+v want %+v", got, want)
		}
	}

	r.scanErr = errors.New("radio busy")
	if _, err := m.Scan(context.Background(), "home"); !errors.Is(err, ErrScanFailed) {
		t.Fatalf("err=%v want ErrScanFailed", err)
	}
}

func TestNetworks_SkipsHiddenAndBounds(t *testing.T) {
	var entries []ScanEntry
	for i := 0; i < MaxScanResults+10; i++ {
		entries = append(entries, ScanEntry{SSID: string(rune('A'+i%26)) + string(rune('a'+i/26)), Peer: PeerID(rune(i)), Signal: -50})
	}
	entries = append(entries, ScanEntry{SSID: "", Peer: "hidden", Signal: -10})
	r := &fakeRadio{scan: entries}
	m, _ := newTestManager(r)

	got, err := m.Networks(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != MaxScanResults {
		t.Fatalf("len=%d want %d", len(got), MaxScanResults)
	}
	for _, n := range got {
		if n.SSID == "" {
			t.Fatalf("hidden network returned")
		}
	}
}
