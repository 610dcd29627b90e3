package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"windrop/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_windrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultBrowseTimeout bounds one mDNS browse pass.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the supplemental mDNS announcer and browser.
type MDNSConfig struct {
	Service string
	Domain  string

	// Identity is announced in TXT records and used for self-exclusion.
	Identity models.DeviceIdentity
	// Port is the advertised transfer port.
	Port int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validate() error {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("discovery: device identity ID is required")
	}
	if strings.TrimSpace(c.Identity.Name) == "" {
		return errors.New("discovery: device name is required")
	}
	return nil
}

// Announcer advertises local device presence via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers and starts the mDNS announcement.
func StartAnnouncer(config MDNSConfig) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.Identity.Name, cfg.Service, cfg.Domain, cfg.Port, identityTXT(cfg.Identity), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop stops the mDNS announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// BrowsePeers runs one mDNS browse pass and returns the discovered
// non-self peers keyed by device ID.
func BrowsePeers(ctx context.Context, config MDNSConfig, timeout time.Duration) ([]models.DiscoveredPeer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		browse = resolver.Browse
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})
	collected := make(map[string]models.DiscoveredPeer)

	go func() {
		defer close(done)
		for entry := range entries {
			if entry == nil {
				continue
			}
			peer, ok := parseServiceEntry(entry, cfg.Identity.ID)
			if !ok {
				continue
			}
			collected[peer.Identity.ID] = peer
		}
	}()

	if err := browse(browseCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}
	<-browseCtx.Done()
	<-done

	out := make([]models.DiscoveredPeer, 0, len(collected))
	for _, peer := range collected {
		out = append(out, peer)
	}
	return out, nil
}

func identityTXT(identity models.DeviceIdentity) []string {
	txt := []string{
		"device_id=" + identity.ID,
		"device_name=" + identity.Name,
		"kind=" + strconv.Itoa(int(identity.Kind)),
	}
	if identity.Model != "" {
		txt = append(txt, "model="+identity.Model)
	}
	if identity.Manufacturer != "" {
		txt = append(txt, "manufacturer="+identity.Manufacturer)
	}
	return txt
}

func parseServiceEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return models.DiscoveredPeer{}, false
	}

	kind := 0
	if txt["kind"] != "" {
		if parsed, err := strconv.Atoi(txt["kind"]); err == nil {
			kind = parsed
		}
	}

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = deviceID
	}

	var addr *net.UDPAddr
	if len(entry.AddrIPv4) > 0 {
		addr = &net.UDPAddr{IP: entry.AddrIPv4[0], Port: entry.Port}
	}

	return models.DiscoveredPeer{
		Identity: models.DeviceIdentity{
			ID:           deviceID,
			Name:         name,
			Kind:         models.DeviceKind(kind),
			Model:        txt["model"],
			Manufacturer: txt["manufacturer"],
		},
		Addr:     addr,
		LastSeen: time.Now(),
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
