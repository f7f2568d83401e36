// Package mdns advertises the device's hostname and web service on the
// fallback network and, once joined, the station network.
package mdns

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/r0bb10/dualnet-controller/internal/clock"
)

const (
	Service = "_http._tcp"
	Domain  = "local."

	defaultAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
)

type server interface {
	Shutdown()
}

// registerFunc publishes one service record set.
type registerFunc func(instance, service, domain string, port int, host string, ips, txt []string) (server, error)

func registerProxy(instance, service, domain string, port int, host string, ips, txt []string) (server, error) {
	return zeroconf.RegisterProxy(instance, service, domain, port, host, ips, txt, nil)
}

type Advertiser struct {
	port     int
	txt      []string
	clock    clock.Clock
	register registerFunc

	mu       sync.Mutex
	srv      server
	hostname string
}

func New(port int, txt []string, clk clock.Clock) *Advertiser {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Advertiser{port: port, txt: txt, clock: clk, register: registerProxy}
}

// Start (re)publishes hostname.local at every valid address in addrs. A
// previous registration is withdrawn first, since the addresses may have
// changed.
func (a *Advertiser) Start(ctx context.Context, hostname string, addrs ...netip.Addr) error {
	ips := make([]string, 0, len(addrs))
	seen := make(map[netip.Addr]bool, len(addrs))
	for _, addr := range addrs {
		if addr.IsValid() && !seen[addr] {
			seen[addr] = true
			ips = append(ips, addr.String())
		}
	}
	if len(ips) == 0 {
		return fmt.Errorf("mdns: no address to advertise")
	}
	a.Shutdown()

	var err error
	for attempt := 1; attempt <= defaultAttempts; attempt++ {
		var srv server
		srv, err = a.register(hostname, Service, Domain, a.port, hostname, ips, a.txt)
		if err == nil {
			a.mu.Lock()
			a.srv, a.hostname = srv, hostname
			a.mu.Unlock()
			log.Printf("mDNS responder started: http://%s.local (%v)", hostname, ips)
			return nil
		}
		log.Printf("mDNS attempt %d failed: %v", attempt, err)
		if attempt < defaultAttempts && ctx.Err() == nil {
			a.clock.Sleep(defaultRetryDelay)
		}
	}
	return fmt.Errorf("mdns: register %s after %d attempts: %w", hostname, defaultAttempts, err)
}

func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	srv := a.srv
	a.srv, a.hostname = nil, ""
	a.mu.Unlock()
	if srv != nil {
		srv.Shutdown()
	}
}

// Hostname is the currently advertised name, empty when not registered.
func (a *Advertiser) Hostname() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hostname
}
