// Package discovery finds peers on the local network segment. The
// primary mechanism is a fixed UDP multicast group: listeners answer
// identity probes with a unicast identity reply, scanners collect those
// replies. An mDNS announcer exists alongside it for networks where
// multicast snooping filters the custom group.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"windrop/models"
)

const (
	// MulticastGroup is the fixed discovery group address.
	MulticastGroup = "224.0.0.171"
	// DefaultPort is the discovery UDP port.
	DefaultPort = 23969
	// DefaultScanTimeout bounds one StartScan reply-collection window.
	DefaultScanTimeout = 10 * time.Second

	maxDatagramSize = 8192
)

// ErrNetworkUnavailable indicates the discovery socket could not be
// bound or joined to the multicast group.
var ErrNetworkUnavailable = errors.New("discovery: network unavailable")

// Config controls the multicast engine.
type Config struct {
	// Identity is the local device identity; datagrams carrying it are
	// ignored so a node never reacts to its own broadcast.
	Identity models.DeviceIdentity
	// Port overrides the discovery port, mainly for tests.
	Port int
	// Interfaces overrides interface enumeration.
	Interfaces InterfaceProvider
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.Interfaces == nil {
		out.Interfaces = SystemInterfaces{}
	}
	return out
}

// Engine is the UDP multicast discovery engine. One engine handles both
// the always-on listener role and one-shot scans.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	listening bool
	conn      *net.UDPConn

	peersMu sync.RWMutex
	peers   map[string]models.DiscoveredPeer

	events chan models.DiscoveredPeer

	wg sync.WaitGroup
}

// NewEngine creates a discovery engine with config defaults applied.
func NewEngine(config Config) *Engine {
	return &Engine{
		cfg:    config.withDefaults(),
		peers:  make(map[string]models.DiscoveredPeer),
		events: make(chan models.DiscoveredPeer, 128),
	}
}

// Events provides peer-found updates. Emission never blocks; slow
// consumers lose events rather than stalling the receive loop.
func (e *Engine) Events() <-chan models.DiscoveredPeer {
	return e.events
}

// Peers returns the current in-memory discovered peers snapshot.
func (e *Engine) Peers() []models.DiscoveredPeer {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()

	out := make([]models.DiscoveredPeer, 0, len(e.peers))
	for _, peer := range e.peers {
		out = append(out, peer)
	}
	return out
}

// StartListening joins the multicast group on every non-loopback IPv4
// interface and answers identity probes until StopListening. Calling it
// while already listening is a no-op.
func (e *Engine) StartListening() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listening {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: e.cfg.Port})
	if err != nil {
		return fmt.Errorf("%w: bind %d: %v", ErrNetworkUnavailable, e.cfg.Port, err)
	}

	group := net.ParseIP(MulticastGroup)
	pc := ipv4.NewPacketConn(conn)

	ifaces, err := multicastInterfaces()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	joined := 0
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: group}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		_ = conn.Close()
		return fmt.Errorf("%w: no interface joined group %s", ErrNetworkUnavailable, MulticastGroup)
	}

	// A node must not hear its own probes.
	_ = pc.SetMulticastLoopback(false)

	e.conn = conn
	e.listening = true

	e.wg.Add(1)
	go e.listenLoop(conn)

	return nil
}

// StopListening closes the listening socket, which unblocks the receive
// loop, and transitions back to not-listening.
func (e *Engine) StopListening() {
	e.mu.Lock()
	if !e.listening {
		e.mu.Unlock()
		return
	}
	conn := e.conn
	e.conn = nil
	e.listening = false
	e.mu.Unlock()

	_ = conn.Close()
	e.wg.Wait()
}

// IsListening reports whether the listener role is active.
func (e *Engine) IsListening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

func (e *Engine) listenLoop(conn *net.UDPConn) {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed by StopListening or a fatal socket error; either
			// way the listener role ends here.
			return
		}

		peer, ok := e.handleDatagram(buf[:n], src)
		if !ok {
			continue
		}
		e.recordPeer(peer)

		// Unicast our identity back so the prober learns about us even
		// when its own listener is not running.
		if reply, err := json.Marshal(e.cfg.Identity); err == nil {
			_, _ = conn.WriteToUDP(reply, src)
		}
	}
}

// handleDatagram decodes one discovery datagram. Malformed payloads and
// our own broadcasts yield ok=false and are dropped silently.
func (e *Engine) handleDatagram(data []byte, src *net.UDPAddr) (models.DiscoveredPeer, bool) {
	var identity models.DeviceIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return models.DiscoveredPeer{}, false
	}
	if identity.ID == "" || identity.ID == e.cfg.Identity.ID {
		return models.DiscoveredPeer{}, false
	}

	return models.DiscoveredPeer{
		Identity: identity,
		Addr:     src,
		LastSeen: time.Now(),
	}, true
}

// StartScan multicasts one identity probe from the given interface
// address and collects unicast replies until timeout elapses. Distinct
// repliers are emitted as peer-found events; duplicates within one scan
// are suppressed.
func (e *Engine) StartScan(ifaceAddr net.IP, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ifaceAddr})
	if err != nil {
		return fmt.Errorf("%w: bind scan socket on %s: %v", ErrNetworkUnavailable, ifaceAddr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	probe, err := json.Marshal(e.cfg.Identity)
	if err != nil {
		return fmt.Errorf("marshal identity probe: %w", err)
	}

	dst := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: e.cfg.Port}
	if _, err := conn.WriteToUDP(probe, dst); err != nil {
		return fmt.Errorf("%w: send probe: %v", ErrNetworkUnavailable, err)
	}

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return err
		}

		peer, ok := e.handleDatagram(buf[:n], src)
		if !ok {
			continue
		}
		if _, dup := seen[peer.Identity.ID]; dup {
			continue
		}
		seen[peer.Identity.ID] = struct{}{}
		e.recordPeer(peer)
	}
}

// ScanAll probes from every local address reported by the configured
// interface provider, one concurrent scan per address. It returns once
// every scan window has elapsed; the first scan error is reported only
// when no scan succeeded.
func (e *Engine) ScanAll(timeout time.Duration) error {
	addrs, err := e.cfg.Interfaces.LocalIPv4Addresses()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no usable IPv4 address", ErrNetworkUnavailable)
	}

	var wg sync.WaitGroup
	results := make(chan error, len(addrs))
	for _, addr := range addrs {
		wg.Add(1)
		go func(ip net.IP) {
			defer wg.Done()
			results <- e.StartScan(ip, timeout)
		}(addr)
	}
	wg.Wait()
	close(results)

	var firstErr error
	for scanErr := range results {
		if scanErr == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = scanErr
		}
	}
	return firstErr
}

func (e *Engine) recordPeer(peer models.DiscoveredPeer) {
	e.peersMu.Lock()
	e.peers[peer.Identity.ID] = peer
	e.peersMu.Unlock()

	select {
	case e.events <- peer:
	default:
	}
}
