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

	"swiftly/network"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_swiftly._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background relay discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// TXT record keys.
const (
	txtRelayID = "relay_id"
	txtPath    = "path"
	txtVersion = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	RelayID      string
	InstanceName string
	Port         int
	Path         string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = network.ProtocolVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Path == "" {
		out.Path = network.DefaultPath
	}
	if out.InstanceName == "" {
		out.InstanceName = out.RelayID
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if c.Port <= 0 {
		return errors.New("relay port must be > 0")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("relay path %q must start with /", c.Path)
	}
	return nil
}

// Advertiser announces a running relay on the local network.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay under the configured service.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		txtRelayID + "=" + cfg.RelayID,
		txtPath + "=" + cfg.Path,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// ErrNoRelay is returned when a scan window closes without a usable relay.
var ErrNoRelay = errors.New("discovery: no relay found")

// FindRelay runs one scan and returns the first relay speaking our protocol
// version, ordered by instance name.
func FindRelay(ctx context.Context, config Config) (DiscoveredRelay, error) {
	scanner, err := NewRelayScanner(config)
	if err != nil {
		return DiscoveredRelay{}, err
	}

	if _, err := scanner.Scan(ctx); err != nil {
		return DiscoveredRelay{}, err
	}
	relay, ok := scanner.Best()
	if !ok {
		return DiscoveredRelay{}, ErrNoRelay
	}
	return relay, nil
}
