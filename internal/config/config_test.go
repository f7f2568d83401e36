package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Update.Port != 3232 || cfg.Update.PrepWindow() != 5*time.Minute {
		t.Fatalf("update=%+v", cfg.Update)
	}
	if cfg.Roaming.Threshold != -75 || cfg.Roaming.Improvement != 10 {
		t.Fatalf("roaming=%+v", cfg.Roaming)
	}
	if cfg.Roaming.MinInterval() != 15*time.Second || cfg.Roaming.MaxInterval() != 2*time.Minute {
		t.Fatalf("roaming intervals=%s..%s", cfg.Roaming.MinInterval(), cfg.Roaming.MaxInterval())
	}
	if cfg.Guard.Timeout() != 30*time.Second {
		t.Fatalf("guard=%s", cfg.Guard.Timeout())
	}
	if cfg.Station.PollInterval() != 500*time.Millisecond || cfg.Station.JoinTimeout() != 10*time.Second {
		t.Fatalf("station=%+v", cfg.Station)
	}
	if !cfg.MDNS.IsEnabled() {
		t.Fatalf("mdns disabled by default")
	}
}

func TestParse_KeepsExplicitValues(t *testing.T) {
	cfg, err := Parse([]byte(`{"board":"rpi4","roaming":{"threshold_dbm":-70,"min_interval_ms":5000,"max_interval_ms":60000}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Board != "rpi4" || cfg.Roaming.Threshold != -70 || cfg.Roaming.MinIntervalMs != 5000 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"short ap password", `{"access_point":{"password":"123"}}`, "password"},
		{"bad channel", `{"access_point":{"channel":15}}`, "channel"},
		{"bad address", `{"access_point":{"address":"192.168.4.1"}}`, "address"},
		{"inverted intervals", `{"roaming":{"min_interval_ms":60000,"max_interval_ms":1000}}`, "roaming"},
		{"unknown board", `{"board":"esp8266"}`, "unknown board"},
		{"poll longer than join", `{"station":{"join_timeout_ms":100,"poll_interval_ms":500}}`, "poll_interval"},
		{"join equals guard", `{"station":{"join_timeout_ms":10000},"guard":{"timeout_sec":10}}`, "headroom"},
		{"join too close to guard", `{"station":{"join_timeout_ms":28000}}`, "headroom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v want %q", err, tt.want)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"mqtt":{"broker":"tcp://localhost:1883"}}`), 0o644)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" || cfg.MQTT.TopicPrefix != "dualnet" {
		t.Fatalf("mqtt=%+v", cfg.MQTT)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("missing file loaded")
	}
}

func TestBoards(t *testing.T) {
	b, err := LookupBoard("rpi-zero2w")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if b.TxPowerDBm != 8.5 || !b.StatusActiveLow || !b.PowerReduced {
		t.Fatalf("board=%+v", b)
	}
	if len(BoardNames()) < 2 {
		t.Fatalf("names=%v", BoardNames())
	}
	if _, err := parseBoards([]byte("boards:\n  x:\n    tx_power_dbm: 0\n")); err == nil {
		t.Fatalf("zero tx power accepted")
	}
}

func TestStatusLine_Overrides(t *testing.T) {
	b := Board{StatusChip: "gpiochip0", StatusPin: 29, StatusActiveLow: true}
	pin, low := 5, false
	cfg := Config{Status: StatusConfig{Pin: &pin, ActiveLow: &low}}
	chip, gotPin, gotLow := cfg.StatusLine(b)
	if chip != "gpiochip0" || gotPin != 5 || gotLow {
		t.Fatalf("chip=%s pin=%d low=%t", chip, gotPin, gotLow)
	}
}

func TestValidate_JoinFitsUnderGuard(t *testing.T) {
	cfg, err := Parse([]byte(`{"station":{"join_timeout_ms":25000},"guard":{"timeout_sec":30}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Station.JoinTimeout() >= cfg.Guard.Timeout() {
		t.Fatalf("join=%s guard=%s", cfg.Station.JoinTimeout(), cfg.Guard.Timeout())
	}
}
