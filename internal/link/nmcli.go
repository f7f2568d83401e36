package link

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. Arguments are left out of the
// error because they may carry the network secret.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		verb := ""
		if len(args) > 0 {
			verb = args[0]
		}
		return out, fmt.Errorf("%s %s: %w: %s", name, verb, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// NMCLI drives a NetworkManager-managed chip through nmcli and iw. The
// station and the access point live on separate virtual interfaces of the
// same phy.
type NMCLI struct {
	StationIface string
	APIface      string
	APConnection string
	Run          Runner
}

// NewNMCLI returns an adapter using ExecRunner.
func NewNMCLI(stationIface, apIface string) *NMCLI {
	return &NMCLI{
		StationIface: stationIface,
		APIface:      apIface,
		APConnection: "dualnet-fallback",
		Run:          ExecRunner,
	}
}

// StartAccessPoint recreates the fallback connection profile and activates
// it. NetworkManager has no per-AP client limit, so MaxClients is not
// enforced by this adapter.
func (n *NMCLI) StartAccessPoint(ctx context.Context, ap AccessPoint) error {
	// A stale profile from a previous run is expected; ignore the error.
	_, _ = n.Run(ctx, "nmcli", "connection", "delete", n.APConnection)

	args := []string{
		"connection", "add", "type", "wifi",
		"ifname", n.APIface,
		"con-name", n.APConnection,
		"autoconnect", "no",
		"ssid", ap.SSID,
		"802-11-wireless.mode", "ap",
		"802-11-wireless.band", "bg",
		"802-11-wireless.channel", strconv.Itoa(ap.Channel),
		"ipv4.method", "shared",
	}
	if ap.Secret != "" {
		args = append(args, "wifi-sec.key-mgmt", "wpa-psk", "wifi-sec.psk", ap.Secret)
	}
	if _, err := n.Run(ctx, "nmcli", args...); err != nil {
		return err
	}
	_, err := n.Run(ctx, "nmcli", "connection", "up", n.APConnection)
	return err
}

func (n *NMCLI) ConfigureAccessPointAddress(ctx context.Context, addr netip.Prefix) error {
	if !addr.IsValid() {
		return fmt.Errorf("invalid address %q", addr)
	}
	if _, err := n.Run(ctx, "nmcli", "connection", "modify", n.APConnection, "ipv4.addresses", addr.String()); err != nil {
		return err
	}
	_, err := n.Run(ctx, "nmcli", "device", "reapply", n.APIface)
	return err
}

// SetTxPower applies a fixed transmit power to the phy, in mBm.
func (n *NMCLI) SetTxPower(ctx context.Context, dbm float64) error {
	mbm := int(math.Round(dbm * 100))
	_, err := n.Run(ctx, "iw", "dev", n.StationIface, "set", "txpower", "fixed", strconv.Itoa(mbm))
	return err
}

func (n *NMCLI) SetPowerSave(ctx context.Context, enabled bool) error {
	state := "off"
	if enabled {
		state = "on"
	}
	_, err := n.Run(ctx, "iw", "dev", n.StationIface, "set", "power_save", state)
	return err
}

// Connect issues the join without waiting for it to complete.
func (n *NMCLI) Connect(ctx context.Context, req JoinRequest) error {
	args := []string{"--wait", "0", "device", "wifi", "connect", req.SSID}
	if req.Secret != "" {
		args = append(args, "password", req.Secret)
	}
	args = append(args, "ifname", n.StationIface)
	if req.Peer != "" {
		args = append(args, "bssid", string(req.Peer))
	}
	_, err := n.Run(ctx, "nmcli", args...)
	return err
}

// Status reports the station link. A link without an IPv4 address is not
// considered connected.
func (n *NMCLI) Status(ctx context.Context) (StationStatus, error) {
	out, err := n.Run(ctx, "iw", "dev", n.StationIface, "link")
	if err != nil {
		return StationStatus{}, err
	}
	st := parseLink(out)
	if !st.Connected {
		return st, nil
	}

	out, err = n.Run(ctx, "ip", "-4", "-o", "addr", "show", "dev", n.StationIface)
	if err != nil {
		return StationStatus{}, err
	}
	addr, ok := parseAddr(out)
	if !ok {
		return StationStatus{}, nil
	}
	st.Address = addr
	return st, nil
}

func (n *NMCLI) Disconnect(ctx context.Context) error {
	_, err := n.Run(ctx, "nmcli", "device", "disconnect", n.StationIface)
	return err
}

func (n *NMCLI) Scan(ctx context.Context) ([]ScanEntry, error) {
	out, err := n.Run(ctx, "iw", "dev", n.StationIface, "scan")
	if err != nil {
		return nil, err
	}
	return parseScan(out), nil
}

func (n *NMCLI) HardwareAddr() (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(n.StationIface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", n.StationIface, err)
	}
	return iface.HardwareAddr, nil
}

// parseLink parses `iw dev <if> link`.
func parseLink(out []byte) StationStatus {
	var st StationStatus
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Connected to "):
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				st.Connected = true
				st.Peer = PeerID(strings.ToLower(fields[2]))
			}
		case strings.HasPrefix(line, "SSID: "):
			st.SSID = strings.TrimPrefix(line, "SSID: ")
		case strings.HasPrefix(line, "signal: "):
			if v, ok := parseSignal(strings.TrimPrefix(line, "signal: ")); ok {
				st.Signal = v
			}
		}
	}
	return st
}

// parseAddr returns the first address of `ip -4 -o addr show`.
func parseAddr(out []byte) (netip.Addr, bool) {
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f != "inet" || i+1 >= len(fields) {
			continue
		}
		p, err := netip.ParsePrefix(fields[i+1])
		if err != nil {
			continue
		}
		return p.Addr(), true
	}
	return netip.Addr{}, false
}

// parseScan parses `iw dev <if> scan` into one entry per BSS block.
func parseScan(out []byte) []ScanEntry {
	var (
		entries []ScanEntry
		cur     *ScanEntry
	)
	flush := func() {
		if cur != nil {
			if cur.Security == "" {
				cur.Security = "open"
			}
			entries = append(entries, *cur)
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		raw := sc.Text()
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(raw, "BSS ") {
			flush()
			id := strings.TrimPrefix(raw, "BSS ")
			if i := strings.IndexAny(id, "( "); i >= 0 {
				id = id[:i]
			}
			cur = &ScanEntry{Peer: PeerID(strings.ToLower(id))}
			continue
		}
		if cur == nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "SSID: "):
			cur.SSID = strings.TrimPrefix(line, "SSID: ")
		case line == "SSID:":
			cur.SSID = ""
		case strings.HasPrefix(line, "signal: "):
			if v, ok := parseSignal(strings.TrimPrefix(line, "signal: ")); ok {
				cur.Signal = v
			}
		case strings.HasPrefix(line, "RSN:"):
			cur.Security = "wpa2"
		case strings.HasPrefix(line, "WPA:"):
			if cur.Security == "" {
				cur.Security = "wpa"
			}
		}
	}
	flush()
	return entries
}

// parseSignal parses "-67.00 dBm".
func parseSignal(s string) (int16, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "dBm"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int16(math.Round(f)), true
}
