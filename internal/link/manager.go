package link

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/clock"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultJoinTimeout  = 10 * time.Second

	// roamSettle is the pause between dropping the old peer and joining
	// the new one.
	roamSettle = 100 * time.Millisecond
)

// Config holds the board-level radio constants.
type Config struct {
	TxPowerDBm   float64
	PollInterval time.Duration
}

// Manager owns the dual-mode radio and its cached State. It is not safe
// for concurrent use; the controller loop holds the only reference.
type Manager struct {
	radio Radio
	cfg   Config
	clock clock.Clock

	state            State
	inhibitPowerSave bool
}

// NewManager creates a link manager in fallback-only mode.
func NewManager(radio Radio, cfg Config, clk clock.Clock) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		radio: radio,
		cfg:   cfg,
		clock: clk,
	}
}

// BringUpFallback starts the self-hosted network. The tx-power ceiling is
// applied after activation: on some chips a limit set before activation is
// silently discarded.
func (m *Manager) BringUpFallback(ctx context.Context, ap AccessPoint) (netip.Addr, error) {
	log.Printf("Setting up access point %s (channel %d, max %d clients)", ap.SSID, ap.Channel, ap.MaxClients)

	if err := m.radio.StartAccessPoint(ctx, ap); err != nil {
		log.Printf("Failed to create access point: %v", err)
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}
	log.Printf("Access point %s created", ap.SSID)

	m.applyTxPower(ctx)
	m.applyPowerSave(ctx, !m.inhibitPowerSave)

	if err := m.radio.ConfigureAccessPointAddress(ctx, ap.Address); err != nil {
		log.Printf("Failed to configure access point address %s: %v", ap.Address, err)
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrAddressConfigFailed, err)
	}

	m.state.FallbackUp = true
	m.state.FallbackAddress = ap.Address.Addr()
	log.Printf("Access point address %s", ap.Address.Addr())
	return ap.Address.Addr(), nil
}

// AttemptJoin performs one bounded connect attempt to any access point
// broadcasting ssid. It never retries.
func (m *Manager) AttemptJoin(ctx context.Context, ssid, secret string, timeout time.Duration) (JoinOutcome, error) {
	return m.join(ctx, JoinRequest{SSID: ssid, Secret: secret}, timeout)
}

// AttemptJoinPeer is AttemptJoin pinned to a single access point.
func (m *Manager) AttemptJoinPeer(ctx context.Context, ssid, secret string, peer PeerID, timeout time.Duration) (JoinOutcome, error) {
	return m.join(ctx, JoinRequest{SSID: ssid, Secret: secret, Peer: peer}, timeout)
}

// Roam drops the current station link and joins c.
func (m *Manager) Roam(ctx context.Context, secret string, c Candidate, timeout time.Duration) (JoinOutcome, error) {
	if err := m.DisconnectStation(ctx); err != nil {
		return JoinOutcome{}, err
	}
	m.clock.Sleep(roamSettle)
	return m.AttemptJoinPeer(ctx, c.SSID, secret, c.Peer, timeout)
}

func (m *Manager) join(ctx context.Context, req JoinRequest, timeout time.Duration) (JoinOutcome, error) {
	if req.SSID == "" {
		return JoinOutcome{}, fmt.Errorf("%w: no network name", ErrJoinFailed)
	}
	if req.Peer != "" {
		log.Printf("Connecting to %s via %s", req.SSID, req.Peer)
	} else {
		log.Printf("Connecting to %s", req.SSID)
	}

	if err := m.radio.Connect(ctx, req); err != nil {
		log.Printf("Connect to %s rejected: %v", req.SSID, err)
		return JoinOutcome{}, fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}
	m.state.Mode = ModeFallbackPlusStation

	// Same ordering constraint as the access point.
	m.applyTxPower(ctx)
	if !m.inhibitPowerSave {
		m.applyPowerSave(ctx, true)
	}

	deadline := m.clock.Now().Add(timeout)
	for {
		st, err := m.radio.Status(ctx)
		if err == nil && st.Connected {
			m.markJoined(st)
			log.Printf("Connected to %s: address %s, peer %s, signal %d dBm", st.SSID, st.Address, st.Peer, st.Signal)
			return JoinOutcome{Joined: true, Address: st.Address, Signal: st.Signal, Peer: st.Peer}, nil
		}
		if ctx.Err() != nil {
			m.markLost()
			return JoinOutcome{}, fmt.Errorf("%w: %v", ErrJoinFailed, ctx.Err())
		}
		if !m.clock.Now().Before(deadline) {
			break
		}
		m.clock.Sleep(m.cfg.PollInterval)
	}

	// The join stays pending in the radio after the attempt gives up, so
	// Mode keeps the station side and Refresh reports Regained if the
	// network turns up later.
	m.markLost()
	log.Printf("Failed to connect to %s within %s", req.SSID, timeout)
	return JoinOutcome{}, nil
}

// DisconnectStation tears down the station link. The fallback network is
// left untouched.
func (m *Manager) DisconnectStation(ctx context.Context) error {
	if err := m.radio.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect station: %w", err)
	}
	m.markLost()
	m.state.Mode = ModeFallbackOnly
	return nil
}

// Scan runs a full channel scan and returns the access points broadcasting
// ssid, strongest record per peer. It can take several seconds.
func (m *Manager) Scan(ctx context.Context, ssid string) ([]Candidate, error) {
	entries, err := m.radio.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanFailed, err)
	}
	return dedupCandidates(entries, ssid), nil
}

// Networks runs a full channel scan and returns visible networks,
// strongest record per name.
func (m *Manager) Networks(ctx context.Context) ([]Network, error) {
	entries, err := m.radio.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanFailed, err)
	}
	return dedupNetworks(entries), nil
}

// Refresh polls the station status and updates the cached state.
func (m *Manager) Refresh(ctx context.Context) Transition {
	if m.state.Mode != ModeFallbackPlusStation {
		return Unchanged
	}
	st, err := m.radio.Status(ctx)
	if err != nil {
		log.Printf("Station status unavailable: %v", err)
		return Unchanged
	}

	switch {
	case st.Connected && !m.state.StationJoined:
		m.markJoined(st)
		return Regained
	case !st.Connected && m.state.StationJoined:
		m.markLost()
		return Lost
	case st.Connected:
		m.markJoined(st)
	}
	return Unchanged
}

// InhibitPowerSave forces modem power saving off while inhibit is true and
// restores it afterwards.
func (m *Manager) InhibitPowerSave(ctx context.Context, inhibit bool) error {
	m.inhibitPowerSave = inhibit
	if err := m.radio.SetPowerSave(ctx, !inhibit); err != nil {
		return fmt.Errorf("set power save: %w", err)
	}
	m.state.PowerSave = !inhibit
	return nil
}

// PowerSaveInhibited reports whether power saving is being held off.
func (m *Manager) PowerSaveInhibited() bool {
	return m.inhibitPowerSave
}

// HardwareAddr is the radio's station MAC address.
func (m *Manager) HardwareAddr() (net.HardwareAddr, error) {
	return m.radio.HardwareAddr()
}

func (m *Manager) CurrentSignal() (int16, bool) {
	if m.state.Signal == nil {
		return 0, false
	}
	return *m.state.Signal, true
}

func (m *Manager) CurrentPeer() (PeerID, bool) {
	return m.state.Peer, m.state.StationJoined && m.state.Peer != ""
}

// State returns a copy of the cached link state.
func (m *Manager) State() State {
	s := m.state
	if s.Signal != nil {
		v := *s.Signal
		s.Signal = &v
	}
	return s
}

func (m *Manager) applyTxPower(ctx context.Context) {
	if m.cfg.TxPowerDBm <= 0 {
		return
	}
	if err := m.radio.SetTxPower(ctx, m.cfg.TxPowerDBm); err != nil {
		log.Printf("Failed to set tx power %.1f dBm: %v", m.cfg.TxPowerDBm, err)
		return
	}
	log.Printf("Tx power set to %.1f dBm", m.cfg.TxPowerDBm)
}

func (m *Manager) applyPowerSave(ctx context.Context, enabled bool) {
	if err := m.radio.SetPowerSave(ctx, enabled); err != nil {
		log.Printf("Failed to set modem power save=%t: %v", enabled, err)
		return
	}
	m.state.PowerSave = enabled
}

func (m *Manager) markJoined(st StationStatus) {
	sig := st.Signal
	m.state.StationJoined = true
	m.state.Signal = &sig
	m.state.SSID = st.SSID
	m.state.Peer = st.Peer
	m.state.Address = st.Address
}

func (m *Manager) markLost() {
	m.state.StationJoined = false
	m.state.Signal = nil
	m.state.SSID = ""
	m.state.Peer = ""
	m.state.Address = netip.Addr{}
}
