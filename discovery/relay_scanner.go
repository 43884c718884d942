package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its record changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

var (
	errScannerNotStarted = errors.New("relay scanner is not started")
	errScannerStopped    = errors.New("relay scanner is stopped")
)

// EventType identifies relay discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type  EventType
	Relay DiscoveredRelay
}

// DiscoveredRelay is a relay seen on the local network.
type DiscoveredRelay struct {
	RelayID   string
	Instance  string
	Version   int
	HostName  string
	Port      int
	Path      string
	Addresses []string
	LastSeen  time.Time
	// Compatible is set when the relay speaks the scanner's protocol version
	// and advertised an address a device can dial.
	Compatible bool
}

// URL is the WebSocket address a device dials, preferring IPv4.
func (r DiscoveredRelay) URL() string {
	if len(r.Addresses) == 0 || r.Port <= 0 {
		return ""
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(r.Addresses[0], strconv.Itoa(r.Port)), r.Path)
}

// RelayScanner keeps the set of relays answering mDNS browses. Scans run one
// at a time, on a timer after Start and on demand through Refresh or Scan.
type RelayScanner struct {
	cfg    Config
	browse browseFunc

	scanMu sync.Mutex

	mu     sync.RWMutex
	relays map[string]DiscoveredRelay
	closed bool
	events chan Event

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:    cfg,
		browse: browse,
		relays: make(map[string]DiscoveredRelay),
		events: make(chan Event, 128),
	}, nil
}

// Start begins background scanning. Calling it again has no effect.
func (s *RelayScanner) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.poll(s.ctx)
}

// Stop ends background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.lifecycleMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.lifecycleMu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Events provides asynchronous discovery updates.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh scans now on behalf of a started scanner. It ends early when
// either ctx or the scanner is done.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	s.lifecycleMu.Lock()
	scannerCtx := s.ctx
	s.lifecycleMu.Unlock()

	if scannerCtx == nil {
		return errScannerNotStarted
	}
	if scannerCtx.Err() != nil {
		return errScannerStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(scannerCtx, cancel)
	defer stop()

	_, err := s.Scan(ctx)
	if err != nil && scannerCtx.Err() != nil {
		return errScannerStopped
	}
	return err
}

// ListRelays returns every relay seen by the last scan.
func (s *RelayScanner) ListRelays() []DiscoveredRelay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRelays(s.relays)
}

// Best returns the first compatible relay of the last scan.
func (s *RelayScanner) Best() (DiscoveredRelay, bool) {
	for _, relay := range s.ListRelays() {
		if relay.Compatible {
			return relay, true
		}
	}
	return DiscoveredRelay{}, false
}

func (s *RelayScanner) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		_, _ = s.Scan(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Scan browses for one ScanTimeout window and replaces the known relay set
// with what answered. A browse window running out is a normal end; ctx
// ending first discards the partial result.
func (s *RelayScanner) Scan(ctx context.Context) ([]DiscoveredRelay, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	window, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- s.browse(window, s.cfg.Service, s.cfg.Domain, entries)
	}()

	answered := make(map[string]DiscoveredRelay)
	pending := browseDone
	for collecting := true; collecting; {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if relay, ok := relayFromEntry(entry, s.cfg.Version, time.Now()); ok {
				answered[relay.RelayID] = relay
			}
		case err := <-pending:
			pending = nil
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return nil, err
			}
		case <-window.Done():
			collecting = false
		}
	}
	if pending != nil {
		<-pending
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.replace(answered), nil
}

// replace installs a scan result and emits the differences from the last one.
func (s *RelayScanner) replace(next map[string]DiscoveredRelay) []DiscoveredRelay {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := diffRelays(s.relays, next)
	s.relays = next
	if !s.closed {
		for _, event := range events {
			select {
			case s.events <- event:
			default:
			}
		}
	}
	return sortedRelays(next)
}

func diffRelays(previous, next map[string]DiscoveredRelay) []Event {
	var events []Event
	for _, relay := range sortedRelays(next) {
		if old, ok := previous[relay.RelayID]; !ok || !sameRecord(old, relay) {
			events = append(events, Event{Type: EventRelayUpserted, Relay: relay})
		}
	}
	for _, relay := range sortedRelays(previous) {
		if _, ok := next[relay.RelayID]; !ok {
			events = append(events, Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
	return events
}

// relayFromEntry reads a relay advertisement. Entries without a relay id are
// not relays and report false.
func relayFromEntry(entry *zeroconf.ServiceEntry, wantVersion int, seenAt time.Time) (DiscoveredRelay, bool) {
	if entry == nil {
		return DiscoveredRelay{}, false
	}
	txt := txtToMap(entry.Text)

	relay := DiscoveredRelay{
		RelayID:   strings.TrimSpace(txt[txtRelayID]),
		HostName:  entry.HostName,
		Port:      entry.Port,
		Path:      "/" + strings.TrimPrefix(txt[txtPath], "/"),
		Addresses: dialOrder(entry.AddrIPv4, entry.AddrIPv6),
		LastSeen:  seenAt,
	}
	if relay.RelayID == "" {
		return DiscoveredRelay{}, false
	}
	relay.Version, _ = strconv.Atoi(txt[txtVersion])

	for _, name := range []string{entry.Instance, entry.HostName, relay.RelayID} {
		if name = strings.TrimSpace(name); name != "" {
			relay.Instance = name
			break
		}
	}

	relay.Compatible = relay.Version == wantVersion && relay.URL() != ""
	return relay, true
}

// dialOrder lists unique addresses with sorted IPv4 ahead of sorted IPv6.
func dialOrder(v4, v6 []net.IP) []string {
	seen := make(map[string]bool, len(v4)+len(v6))
	out := make([]string, 0, len(v4)+len(v6))
	for _, family := range [][]net.IP{v4, v6} {
		var group []string
		for _, ip := range family {
			if ip == nil || seen[ip.String()] {
				continue
			}
			seen[ip.String()] = true
			group = append(group, ip.String())
		}
		slices.Sort(group)
		out = append(out, group...)
	}
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func sortedRelays(relays map[string]DiscoveredRelay) []DiscoveredRelay {
	out := make([]DiscoveredRelay, 0, len(relays))
	for _, relay := range relays {
		out = append(out, relay)
	}
	slices.SortFunc(out, func(a, b DiscoveredRelay) int {
		if c := strings.Compare(a.Instance, b.Instance); c != 0 {
			return c
		}
		return strings.Compare(a.RelayID, b.RelayID)
	})
	return out
}

// sameRecord compares what a relay advertised, ignoring when it was seen.
func sameRecord(a, b DiscoveredRelay) bool {
	return a.RelayID == b.RelayID &&
		a.Instance == b.Instance &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		a.Path == b.Path &&
		a.Compatible == b.Compatible &&
		slices.Equal(a.Addresses, b.Addresses)
}
