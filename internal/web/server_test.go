package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r0bb10/dualnet-controller/internal/config"
	"github.com/r0bb10/dualnet-controller/internal/controller"
	"github.com/r0bb10/dualnet-controller/internal/link"
	"github.com/r0bb10/dualnet-controller/internal/ota"
)

type fakeBackend struct {
	snap       controller.Snapshot
	networks   []link.Network
	scanErr    error
	joinErr    error
	prepareErr error
	joins      []string
}

func (f *fakeBackend) Snapshot() controller.Snapshot { return f.snap }

func (f *fakeBackend) Networks(context.Context) ([]link.Network, error) {
	return f.networks, f.scanErr
}

func (f *fakeBackend) RequestJoin(ctx context.Context, ssid, password string) (link.JoinOutcome, error) {
	f.joins = append(f.joins, ssid+"/"+password)
	if f.joinErr != nil {
		return link.JoinOutcome{}, f.joinErr
	}
	return link.JoinOutcome{Joined: true, Address: netip.MustParseAddr("10.0.0.20"), Signal: -55}, nil
}

func (f *fakeBackend) RequestPrepareUpdate(context.Context) error { return f.prepareErr }

func newBackend() *fakeBackend {
	sig := int16(-55)
	return &fakeBackend{snap: controller.Snapshot{
		Link: link.State{
			FallbackUp:      true,
			FallbackAddress: netip.MustParseAddr("192.168.4.1"),
			StationJoined:   true,
			SSID:            "home",
			Peer:            "aa:bb:cc:dd:ee:ff",
			Signal:          &sig,
			Address:         netip.MustParseAddr("10.0.0.20"),
		},
		Session:     ota.Session{State: ota.Idle, StateName: "idle"},
		Uptime:      90061 * time.Second,
		Firmware:    "1.0.0",
		Board:       config.Board{FullName: "Raspberry Pi 4", CPUMHz: 1500},
		AccessPoint: "DualNet-Monitor_12AB",
		Hostname:    "dualnet-monitor-12ab",
		PrepWindow:  ota.DefaultPrepWindow,
	}}
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStatus(t *testing.T) {
	s := NewServer("127.0.0.1:0", newBackend())
	defer s.Stop(context.Background())

	rec := do(t, s, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{
		"apSSID":       "DualNet-Monitor_12AB",
		"mdnsHostname": "dualnet-monitor-12ab",
		"uptime":       "1d 1h 1m 1s",
		"apIP":         "192.168.4.1",
		"staIP":        "10.0.0.20",
		"staSSID":      "home",
		"staRSSI":      float64(-55),
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s=%v, want %v", k, body[k], v)
		}
	}
	if _, ok := body["sensorTemperature"]; ok {
		t.Errorf("sensor fields present without a reading")
	}
}

func TestStatus_Disconnected(t *testing.T) {
	be := newBackend()
	be.snap.Link = link.State{FallbackUp: true, FallbackAddress: netip.MustParseAddr("192.168.4.1")}
	s := NewServer("127.0.0.1:0", be)
	defer s.Stop(context.Background())

	var body statusBody
	json.Unmarshal(do(t, s, http.MethodGet, "/status").Body.Bytes(), &body)
	if body.STAConnected || body.STAIP != "N/A" || body.STASSID != "N/A" {
		t.Fatalf("body=%+v", body)
	}
}

func TestScan(t *testing.T) {
	be := newBackend()
	be.networks = []link.Network{{SSID: "home", Signal: -50, Security: "WPA2"}}
	s := NewServer("127.0.0.1:0", be)
	defer s.Stop(context.Background())

	rec := do(t, s, http.MethodGet, "/scan")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ssid":"home"`) {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}

	be.networks = nil
	if rec := do(t, s, http.MethodGet, "/scan"); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty scan body=%s", rec.Body)
	}

	be.scanErr = errors.New("radio busy")
	if rec := do(t, s, http.MethodGet, "/scan"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"missing both", "/connect", http.StatusBadRequest},
		{"missing password", "/connect?ssid=home", http.StatusBadRequest},
		{"missing ssid", "/connect?password=pw", http.StatusBadRequest},
		{"open network", "/connect?ssid=cafe&password=", http.StatusOK},
		{"ok", "/connect?ssid=home&password=pw", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("127.0.0.1:0", newBackend())
			defer s.Stop(context.Background())
			rec := do(t, s, http.MethodPost, tt.target)
			if rec.Code != tt.code {
				t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
			}
			if tt.code == http.StatusBadRequest && !strings.Contains(rec.Body.String(), "Missing SSID or password") {
				t.Fatalf("body=%s", rec.Body)
			}
		})
	}
}

func TestConnect_Refused(t *testing.T) {
	be := newBackend()
	be.joinErr = ota.ErrBusy
	s := NewServer("127.0.0.1:0", be)
	defer s.Stop(context.Background())
	if rec := do(t, s, http.MethodPost, "/connect?ssid=a&password=b"); rec.Code != http.StatusConflict {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestPrepareOTA(t *testing.T) {
	be := newBackend()
	s := NewServer("127.0.0.1:0", be)
	defer s.Stop(context.Background())

	rec := do(t, s, http.MethodPost, "/prepare-ota")
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusOK || body["status"] != "success" || body["otaPrepared"] != true || body["timeout"] != float64(300) {
		t.Fatalf("code=%d body=%v", rec.Code, body)
	}

	be.prepareErr = ota.ErrTerminal
	if rec := do(t, s, http.MethodPost, "/prepare-ota"); rec.Code != http.StatusConflict {
		t.Fatalf("terminal code=%d", rec.Code)
	}
	be.prepareErr = controller.ErrStopped
	if rec := do(t, s, http.MethodPost, "/prepare-ota"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped code=%d", rec.Code)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{59 * time.Second, "59s"},
		{time.Hour + 5*time.Second, "1h 5s"},
		{2*24*time.Hour + 3*time.Minute, "2d 3m 0s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%s)=%q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestWebsocketPushAndStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", newBackend())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * pushInterval))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"apSSID":"DualNet-Monitor_12AB"`) {
		t.Fatalf("frame=%s", msg)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if err := s.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("restart err=%v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestRoot_ServesSetupPage(t *testing.T) {
	s := NewServer("127.0.0.1:0", newBackend())
	defer s.Stop(context.Background())

	rec := do(t, s, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type=%q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"fetch('/status')", "fetch('/scan')", "fetch('/connect'", "fetch('/prepare-ota'", "/ws"} {
		if !strings.Contains(body, want) {
			t.Errorf("page does not use %s", want)
		}
	}

	if rec := do(t, s, http.MethodGet, "/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path code=%d", rec.Code)
	}
}
