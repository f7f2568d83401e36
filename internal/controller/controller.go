// Package controller runs the device's single control loop. Every
// subsystem is owned by the loop goroutine; other goroutines reach them
// through the Request methods and read state from published Snapshots.
package controller

import (
	"context"
	"errors"
	"log"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/clock"
	"github.com/r0bb10/dualnet-controller/internal/config"
	"github.com/r0bb10/dualnet-controller/internal/guard"
	"github.com/r0bb10/dualnet-controller/internal/link"
	"github.com/r0bb10/dualnet-controller/internal/ota"
	"github.com/r0bb10/dualnet-controller/internal/roaming"
	"github.com/r0bb10/dualnet-controller/internal/sensors"
	"github.com/r0bb10/dualnet-controller/internal/status"
	"github.com/r0bb10/dualnet-controller/internal/store"
)

const (
	tickInterval          = 10 * time.Millisecond
	DefaultSensorInterval = 5 * time.Second
	DefaultKeepAlive      = 2 * time.Second
)

var (
	ErrStopped       = errors.New("controller stopped")
	ErrSessionFailed = errors.New("update session failed")
)

// Sensors is the shared I/O bus.
type Sensors interface {
	Read(now time.Time) (sensors.Reading, error)
	Close() error
}

// CredentialStore persists the station network credentials.
type CredentialStore interface {
	LoadCredentials(ctx context.Context) (store.Credentials, bool, error)
	SaveCredentials(ctx context.Context, c store.Credentials) error
}

// StationInfo identifies the device on its networks. Address is invalid
// while the station link is down.
type StationInfo struct {
	Hostname string
	Address  netip.Addr
	Fallback netip.Addr
}

// Addresses lists the valid addresses, station first.
func (i StationInfo) Addresses() []netip.Addr {
	var out []netip.Addr
	for _, a := range []netip.Addr{i.Address, i.Fallback} {
		if a.IsValid() {
			out = append(out, a)
		}
	}
	return out
}

// Service runs while the station link is up. Start is called again every
// time the link comes back and must be idempotent. A Fallback service is
// also started when the fallback network comes up and again when the
// station link is lost.
type Service struct {
	Name     string
	Fallback bool
	Start    func(ctx context.Context, info StationInfo) error
}

type Config struct {
	AccessPoint    link.AccessPoint // SSID is the base name; the MAC suffix is appended
	HostnameBase   string
	JoinTimeout    time.Duration
	KeepAlive      time.Duration
	SensorInterval time.Duration
	GuardTimeout   time.Duration
	PrepWindow     time.Duration
	Roaming        roaming.Config
	Firmware       string
	Board          config.Board
}

type Deps struct {
	Link     *link.Manager
	Guard    *guard.Guard
	Status   *status.Driver
	Sensors  Sensors
	Store    CredentialStore
	Resetter ota.Resetter
	Clock    clock.Clock

	// Services start once the station link is joined.
	Services []Service
	// OnMilestone is called from the loop at each 10% update boundary.
	OnMilestone func(percent int)
}

// Snapshot is a consistent copy of the loop-owned state.
type Snapshot struct {
	Link           link.State
	Session        ota.Session
	RoamingBackoff time.Duration
	Sensors        sensors.Reading
	Uptime         time.Duration
	Firmware       string
	Board          config.Board
	AccessPoint    string
	Hostname       string
	Pattern        status.Pattern
	PrepWindow     time.Duration
	GuardArmed     bool
}

type request struct {
	fn   func(ctx context.Context) error
	done chan error
}

type Controller struct {
	cfg  Config
	deps Deps

	session *ota.Controller
	roam    *roaming.Engine

	requests chan request
	stopped  chan struct{}
	stopOnce sync.Once
	snapshot atomic.Pointer[Snapshot]

	listenerMu sync.Mutex
	listener   ota.Listener

	// loop-owned
	start         time.Time
	creds         store.Credentials
	haveCreds     bool
	apSSID        string
	hostname      string
	reading       sensors.Reading
	lastSensor    time.Time
	sensorFailing bool
	lastKeepAlive time.Time
}

func New(cfg Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Sensors == nil {
		deps.Sensors = noSensors{}
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = link.DefaultJoinTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.SensorInterval <= 0 {
		cfg.SensorInterval = DefaultSensorInterval
	}
	if cfg.GuardTimeout <= 0 {
		cfg.GuardTimeout = guard.DefaultTimeout
	}
	if limit := guard.MaxJoinTimeout(cfg.GuardTimeout); cfg.JoinTimeout > limit {
		log.Printf("Join timeout %s does not fit the %s freeze guard, using %s", cfg.JoinTimeout, cfg.GuardTimeout, limit)
		cfg.JoinTimeout = limit
	}
	if cfg.PrepWindow <= 0 {
		cfg.PrepWindow = ota.DefaultPrepWindow
	}
	if cfg.Roaming == (roaming.Config{}) {
		cfg.Roaming = roaming.DefaultConfig()
	}

	now := deps.Clock.Now()
	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		roam:     roaming.New(cfg.Roaming, now),
		requests: make(chan request),
		stopped:  make(chan struct{}),
		start:    now,
	}

	mac, err := deps.Link.HardwareAddr()
	if err != nil {
		log.Printf("Hardware address unavailable: %v", err)
	}
	c.apSSID, c.hostname = Identity(mac, cfg.AccessPoint.SSID, cfg.HostnameBase)

	c.session = ota.New(ota.Deps{
		Listener:    ota.ListenerFunc(c.stopListener),
		Radio:       deps.Link,
		Bus:         deps.Sensors,
		Guard:       deps.Guard,
		Output:      deps.Status,
		Resetter:    deps.Resetter,
		Clock:       deps.Clock,
		OnMilestone: deps.OnMilestone,
	}, cfg.PrepWindow)
	c.publish()
	return c
}

// AttachListener registers the HTTP server the update session stops. It
// must be called before Run.
func (c *Controller) AttachListener(l ota.Listener) {
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
}

func (c *Controller) stopListener(ctx context.Context) error {
	c.listenerMu.Lock()
	l := c.listener
	c.listenerMu.Unlock()
	if l == nil {
		return nil
	}
	return l.Stop(ctx)
}

// Run brings the links up and drives the loop until ctx ends or an update
// session fails. A failed session returns ErrSessionFailed: the process is
// expected to exit and be restarted.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.stopped) })

	c.startup(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.requests:
			req.done <- req.fn(ctx)
		case <-ticker.C:
			c.tick(ctx)
		}
		c.publish()
		if c.session.State() == ota.Failed {
			return ErrSessionFailed
		}
	}
}

func (c *Controller) startup(ctx context.Context) {
	now := c.deps.Clock.Now()
	if err := c.deps.Guard.Arm(c.cfg.GuardTimeout); err != nil {
		log.Printf("Freeze guard arm failed: %v", err)
	} else {
		log.Printf("Freeze guard armed (%s)", c.cfg.GuardTimeout)
	}

	ap := c.cfg.AccessPoint
	ap.SSID = c.apSSID
	if _, err := c.deps.Link.BringUpFallback(ctx, ap); err != nil {
		log.Printf("Fallback network unavailable: %v", err)
	} else {
		c.startServices(ctx, false)
	}
	c.deps.Guard.Pet()

	creds, ok, err := c.deps.Store.LoadCredentials(ctx)
	switch {
	case err != nil:
		log.Printf("Failed to load saved credentials: %v", err)
	case !ok:
		log.Printf("No saved credentials, fallback network only")
	default:
		c.creds, c.haveCreds = creds, true
		log.Printf("Found saved credentials for %q", creds.SSID)
		outcome, err := c.deps.Link.AttemptJoin(ctx, creds.SSID, creds.Password, c.cfg.JoinTimeout)
		c.afterBlocking("join")
		if err != nil {
			log.Printf("Join failed: %v", err)
		} else if outcome.Joined {
			c.stationUp(ctx)
		}
	}

	c.lastKeepAlive = now
	c.lastSensor = now.Add(-c.cfg.SensorInterval)
	c.roam.Reset(c.deps.Clock.Now())
	log.Printf("%sController ready: access point %s, hostname %s%s", ColorGreen, c.apSSID, c.hostname, ColorReset)
}

func (c *Controller) tick(ctx context.Context) {
	now := c.deps.Clock.Now()
	if err := c.deps.Guard.Pet(); err != nil {
		log.Printf("Freeze guard pet failed: %v", err)
	}

	if c.session.Poll(ctx, now) {
		c.roam.Reset(now)
	}

	state := c.session.State()
	if state == ota.Idle || state == ota.Prepared {
		c.keepAlive(ctx, now)
		c.readSensors(now)
	}
	if state == ota.Idle && c.deps.Link.State().StationJoined {
		c.roamTick(ctx, now)
	}

	// The light was driven to its safe level before reset; leave it there.
	state = c.session.State()
	if state == ota.Completing || state == ota.Failed {
		return
	}
	joined := c.deps.Link.State().StationJoined
	if err := c.deps.Status.Tick(c.deps.Clock.Now(), status.Select(state, joined)); err != nil {
		log.Printf("Status light update failed: %v", err)
	}
}

func (c *Controller) keepAlive(ctx context.Context, now time.Time) {
	if now.Sub(c.lastKeepAlive) < c.cfg.KeepAlive {
		return
	}
	c.lastKeepAlive = now
	switch c.deps.Link.Refresh(ctx) {
	case link.Lost:
		log.Printf("Station link lost")
		c.startServices(ctx, false)
	case link.Regained:
		log.Printf("Station link regained")
		c.stationUp(ctx)
		c.roam.Reset(c.deps.Clock.Now())
	}
}

func (c *Controller) readSensors(now time.Time) {
	if now.Sub(c.lastSensor) < c.cfg.SensorInterval {
		return
	}
	c.lastSensor = now
	r, err := c.deps.Sensors.Read(now)
	if err != nil {
		if !c.sensorFailing {
			log.Printf("Sensor read failed: %v", err)
		}
		c.sensorFailing = true
		c.reading.Available = false
		return
	}
	if c.sensorFailing {
		log.Printf("Sensor readings recovered")
	}
	c.sensorFailing = false
	c.reading = r
}

func (c *Controller) roamTick(ctx context.Context, now time.Time) {
	signal, ok := c.deps.Link.CurrentSignal()
	if !ok {
		return
	}
	peer, _ := c.deps.Link.CurrentPeer()
	outcome := c.roam.Tick(ctx, now, signal, peer, c.scanForRoam, c.joinForRoam)
	if outcome == roaming.RoamFailed {
		c.rejoin(ctx)
	}
}

func (c *Controller) scanForRoam(ctx context.Context) ([]link.Candidate, error) {
	c.deps.Guard.Pet()
	cands, err := c.deps.Link.Scan(ctx, c.creds.SSID)
	c.afterBlocking("scan")
	return cands, err
}

func (c *Controller) joinForRoam(ctx context.Context, cand link.Candidate) (bool, error) {
	c.deps.Guard.Pet()
	outcome, err := c.deps.Link.Roam(ctx, c.creds.Password, cand, c.cfg.JoinTimeout)
	c.afterBlocking("roam")
	if err != nil || !outcome.Joined {
		return false, err
	}
	c.stationUp(ctx)
	return true, nil
}

// rejoin reconnects without a peer pin after a roam left the station down.
func (c *Controller) rejoin(ctx context.Context) {
	if !c.haveCreds {
		return
	}
	log.Printf("Roam failed, rejoining %q", c.creds.SSID)
	outcome, err := c.deps.Link.AttemptJoin(ctx, c.creds.SSID, c.creds.Password, c.cfg.JoinTimeout)
	c.afterBlocking("rejoin")
	if err != nil {
		log.Printf("Rejoin failed: %v", err)
		return
	}
	if outcome.Joined {
		c.stationUp(ctx)
	}
}

// afterBlocking pets the guard after a long radio operation, unless the
// operation already overran the guard budget. Petting then would hide a
// stall the guard exists to catch.
func (c *Controller) afterBlocking(op string) {
	g := c.deps.Guard
	if !g.Armed() {
		return
	}
	elapsed := g.SinceLastPet(c.deps.Clock.Now())
	if elapsed >= g.Timeout() {
		log.Printf("WARNING: %s took %s, over the %s freeze budget", op, elapsed.Round(time.Millisecond), g.Timeout())
		return
	}
	g.Pet()
}

func (c *Controller) stationUp(ctx context.Context) {
	c.startServices(ctx, true)
}

// startServices runs every service when the station is up, and only the
// fallback ones otherwise.
func (c *Controller) startServices(ctx context.Context, station bool) {
	st := c.deps.Link.State()
	info := StationInfo{Hostname: c.hostname, Fallback: st.FallbackAddress}
	if station {
		info.Address = st.Address
	}
	for _, svc := range c.deps.Services {
		if !station && (!svc.Fallback || !info.Fallback.IsValid()) {
			continue
		}
		if err := svc.Start(ctx, info); err != nil {
			log.Printf("Failed to start %s: %v", svc.Name, err)
		}
		c.deps.Guard.Pet()
	}
}

func (c *Controller) publish() {
	s := Snapshot{
		Link:           c.deps.Link.State(),
		Session:        c.session.Session(),
		RoamingBackoff: c.roam.State().Backoff,
		Sensors:        c.reading,
		Firmware:       c.cfg.Firmware,
		Board:          c.cfg.Board,
		AccessPoint:    c.apSSID,
		Hostname:       c.hostname,
		Pattern:        c.deps.Status.Pattern(),
		PrepWindow:     c.cfg.PrepWindow,
		GuardArmed:     c.deps.Guard.Armed(),
	}
	c.snapshot.Store(&s)
}

// DisarmGuard stops the freeze guard for a clean exit. It must only be
// called after Run has returned.
func (c *Controller) DisarmGuard() error {
	return c.deps.Guard.Disarm()
}

// Snapshot returns the state as of the end of the last loop iteration.
func (c *Controller) Snapshot() Snapshot {
	s := *c.snapshot.Load()
	s.Uptime = c.deps.Clock.Now().Sub(c.start)
	return s
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestPrepareUpdate opens the update window.
func (c *Controller) RequestPrepareUpdate(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.session.Prepare(ctx, c.deps.Clock.Now())
	})
}

// RequestBeginUpdate starts a transfer without waiting for the receiver.
func (c *Controller) RequestBeginUpdate(ctx context.Context) error {
	return c.Deliver(ctx, ota.Begin())
}

// Deliver feeds an update event from the receiver into the session.
func (c *Controller) Deliver(ctx context.Context, ev ota.Event) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.session.Advance(ctx, c.deps.Clock.Now(), ev)
	})
}

// RequestJoin saves the credentials and makes one bounded join attempt.
func (c *Controller) RequestJoin(ctx context.Context, ssid, password string) (link.JoinOutcome, error) {
	var outcome link.JoinOutcome
	err := c.do(ctx, func(ctx context.Context) error {
		if err := c.radioAvailable(); err != nil {
			return err
		}
		creds := store.Credentials{SSID: ssid, Password: password}
		if err := c.deps.Store.SaveCredentials(ctx, creds); err != nil {
			log.Printf("Failed to save credentials: %v", err)
		} else {
			log.Printf("Credentials saved for %q", ssid)
		}
		c.creds, c.haveCreds = creds, true

		c.deps.Guard.Pet()
		var err error
		outcome, err = c.deps.Link.AttemptJoin(ctx, ssid, password, c.cfg.JoinTimeout)
		c.afterBlocking("join")
		if err != nil {
			return err
		}
		if outcome.Joined {
			c.stationUp(ctx)
			c.roam.Reset(c.deps.Clock.Now())
		}
		return nil
	})
	return outcome, err
}

// RequestDisconnect drops the station link. Saved credentials are kept.
func (c *Controller) RequestDisconnect(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if err := c.radioAvailable(); err != nil {
			return err
		}
		return c.deps.Link.DisconnectStation(ctx)
	})
}

// Networks scans for visible networks.
func (c *Controller) Networks(ctx context.Context) ([]link.Network, error) {
	var networks []link.Network
	err := c.do(ctx, func(ctx context.Context) error {
		if err := c.radioAvailable(); err != nil {
			return err
		}
		c.deps.Guard.Pet()
		var err error
		networks, err = c.deps.Link.Networks(ctx)
		c.afterBlocking("scan")
		return err
	})
	return networks, err
}

func (c *Controller) radioAvailable() error {
	switch c.session.State() {
	case ota.InProgress:
		return ota.ErrBusy
	case ota.Completing, ota.Failed:
		return ota.ErrTerminal
	}
	return nil
}

type noSensors struct{}

func (noSensors) Read(time.Time) (sensors.Reading, error) { return sensors.Reading{}, nil }
func (noSensors) Close() error                            { return nil }
