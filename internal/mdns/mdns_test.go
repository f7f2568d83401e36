package mdns

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/clock"
)

type fakeServer struct{ shut int }

func (f *fakeServer) Shutdown() { f.shut++ }

type call struct {
	instance, service, domain, host string
	port                            int
	ips, txt                        []string
}

func newTestAdvertiser(failures int) (*Advertiser, *clock.Fake, *[]call, *[]*fakeServer) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a := New(80, []string{"path=/"}, clk)
	var calls []call
	var servers []*fakeServer
	a.register = func(instance, service, domain string, port int, host string, ips, txt []string) (server, error) {
		calls = append(calls, call{instance, service, domain, host, port, ips, txt})
		if len(calls) <= failures {
			return nil, errors.New("no multicast interface")
		}
		s := &fakeServer{}
		servers = append(servers, s)
		return s, nil
	}
	return a, clk, &calls, &servers
}

func TestStart_Registers(t *testing.T) {
	a, _, calls, _ := newTestAdvertiser(0)
	addr := netip.MustParseAddr("10.0.0.20")
	if err := a.Start(context.Background(), "dualnet-monitor-12ab", addr); err != nil {
		t.Fatalf("start: %v", err)
	}
	c := (*calls)[0]
	if c.service != "_http._tcp" || c.domain != "local." || c.port != 80 || c.host != "dualnet-monitor-12ab" {
		t.Fatalf("call=%+v", c)
	}
	if len(c.ips) != 1 || c.ips[0] != "10.0.0.20" {
		t.Fatalf("ips=%v", c.ips)
	}
	if a.Hostname() != "dualnet-monitor-12ab" {
		t.Fatalf("hostname=%q", a.Hostname())
	}
}

func TestStart_RetriesThenGivesUp(t *testing.T) {
	a, clk, calls, _ := newTestAdvertiser(5)
	err := a.Start(context.Background(), "h", netip.MustParseAddr("10.0.0.20"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(*calls) != 3 {
		t.Fatalf("attempts=%d", len(*calls))
	}
	if clk.Slept() != time.Second {
		t.Fatalf("slept=%s, want two 500ms pauses", clk.Slept())
	}
	if a.Hostname() != "" {
		t.Fatalf("hostname set after failure")
	}
}

func TestStart_RecoversOnSecondAttempt(t *testing.T) {
	a, _, calls, _ := newTestAdvertiser(1)
	if err := a.Start(context.Background(), "h", netip.MustParseAddr("10.0.0.20")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("attempts=%d", len(*calls))
	}
}

func TestStart_ReplacesPreviousRegistration(t *testing.T) {
	a, _, _, servers := newTestAdvertiser(0)
	ctx := context.Background()
	a.Start(ctx, "h", netip.MustParseAddr("10.0.0.20"))
	a.Start(ctx, "h", netip.MustParseAddr("10.0.0.21"))

	if len(*servers) != 2 || (*servers)[0].shut != 1 || (*servers)[1].shut != 0 {
		t.Fatalf("old registration not withdrawn")
	}
	a.Shutdown()
	if (*servers)[1].shut != 1 {
		t.Fatalf("shutdown not forwarded")
	}
}

func TestStart_RequiresAddress(t *testing.T) {
	a, _, calls, _ := newTestAdvertiser(0)
	if err := a.Start(context.Background(), "h", netip.Addr{}); err == nil || len(*calls) != 0 {
		t.Fatalf("err=%v calls=%d", err, len(*calls))
	}
}

func TestStart_FallbackAddressOnly(t *testing.T) {
	a, _, calls, _ := newTestAdvertiser(0)
	fallback := netip.MustParseAddr("192.168.4.1")
	if err := a.Start(context.Background(), "dualnet-monitor-12ab", netip.Addr{}, fallback); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c := (*calls)[0]; len(c.ips) != 1 || c.ips[0] != "192.168.4.1" {
		t.Fatalf("ips=%v", c.ips)
	}
	if a.Hostname() != "dualnet-monitor-12ab" {
		t.Fatalf("hostname=%q", a.Hostname())
	}
}

func TestStart_BothInterfaces(t *testing.T) {
	a, _, calls, servers := newTestAdvertiser(0)
	ctx := context.Background()
	fallback := netip.MustParseAddr("192.168.4.1")
	station := netip.MustParseAddr("10.0.0.20")

	a.Start(ctx, "h", fallback)
	if err := a.Start(ctx, "h", station, fallback, fallback); err != nil {
		t.Fatalf("start: %v", err)
	}
	c := (*calls)[1]
	if len(c.ips) != 2 || c.ips[0] != "10.0.0.20" || c.ips[1] != "192.168.4.1" {
		t.Fatalf("ips=%v", c.ips)
	}
	if (*servers)[0].shut != 1 {
		t.Fatalf("fallback-only registration not withdrawn")
	}
}
