package link

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

var (
	ErrActivationFailed    = errors.New("access point activation failed")
	ErrAddressConfigFailed = errors.New("access point address configuration failed")
	ErrJoinFailed          = errors.New("station join failed")
	ErrScanFailed          = errors.New("scan failed")
)

// Mode is the radio operating mode.
type Mode int

const (
	ModeFallbackOnly Mode = iota
	ModeFallbackPlusStation
)

func (m Mode) String() string {
	if m == ModeFallbackPlusStation {
		return "fallback+station"
	}
	return "fallback"
}

// PeerID identifies a single access point (its BSSID).
type PeerID string

// State is the cached link state. StationJoined == false implies Signal == nil.
type State struct {
	Mode            Mode       `json:"mode"`
	FallbackUp      bool       `json:"fallbackUp"`
	FallbackAddress netip.Addr `json:"fallbackAddress"`
	StationJoined   bool       `json:"stationJoined"`
	SSID            string     `json:"ssid,omitempty"`
	Peer            PeerID     `json:"peer,omitempty"`
	Signal          *int16     `json:"signal,omitempty"`
	Address         netip.Addr `json:"address"`
	PowerSave       bool       `json:"powerSave"`
}

// Candidate is one access point seen by a scan.
type Candidate struct {
	Peer   PeerID
	SSID   string
	Signal int16
}

// Network is a scan result collapsed by network name, for display.
type Network struct {
	SSID     string `json:"ssid"`
	Signal   int16  `json:"rssi"`
	Security string `json:"encryption"`
}

// JoinOutcome reports a bounded join attempt. Joined == false means the
// attempt timed out.
type JoinOutcome struct {
	Joined  bool
	Address netip.Addr
	Signal  int16
	Peer    PeerID
}

// Transition is the result of a keep-alive refresh.
type Transition int

const (
	Unchanged Transition = iota
	Lost
	Regained
)

// AccessPoint describes the fallback network the device hosts.
type AccessPoint struct {
	SSID       string
	Secret     string
	Channel    int
	MaxClients int
	Address    netip.Prefix
}

// JoinRequest is a station connect command. An empty Peer lets the radio
// pick any access point broadcasting SSID.
type JoinRequest struct {
	SSID   string
	Secret string
	Peer   PeerID
}

// StationStatus is what the radio reports about the station interface.
type StationStatus struct {
	Connected bool
	SSID      string
	Peer      PeerID
	Signal    int16
	Address   netip.Addr
}

// ScanEntry is one raw scan record.
type ScanEntry struct {
	SSID     string
	Peer     PeerID
	Signal   int16
	Security string
}

// Radio is the platform driver for the dual-mode wireless chip.
type Radio interface {
	StartAccessPoint(ctx context.Context, ap AccessPoint) error
	ConfigureAccessPointAddress(ctx context.Context, addr netip.Prefix) error
	SetTxPower(ctx context.Context, dbm float64) error
	SetPowerSave(ctx context.Context, enabled bool) error
	Connect(ctx context.Context, req JoinRequest) error
	Status(ctx context.Context) (StationStatus, error)
	Disconnect(ctx context.Context) error
	Scan(ctx context.Context) ([]ScanEntry, error)
	HardwareAddr() (net.HardwareAddr, error)
}
