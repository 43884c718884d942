package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestRelayScannerManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("relay-1", "Office", 8080, "10.0.0.2", "version=1")
			if call >= 2 {
				entries <- testServiceEntry("relay-2", "Lab", 8081, "10.0.0.3", "version=1")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	relays := scanner.ListRelays()
	if len(relays) != 2 {
		t.Fatalf("expected two relays after refresh, got %+v", relays)
	}
	if relays[0].Instance != "Lab" || relays[1].Instance != "Office" {
		t.Fatalf("relays not sorted by instance: %+v", relays)
	}
}

func TestRelayScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "Office", 8080, "10.0.0.2", "version=1")
			}
			entries <- testServiceEntry("relay-2", "Lab", 8081, "10.0.0.3", "version=1")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventRelayRemoved, "relay-1", 2*time.Second) {
		t.Fatalf("expected removal event for relay-1")
	}
	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-2"
	})
}

func TestRelayScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("relay-1", "Office", 8080, "10.0.0.2", "version=1")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if relays := scanner.ListRelays(); len(relays) != 1 {
		t.Fatalf("expected one relay, got %+v", relays)
	}
}

func TestRefreshBeforeStart(t *testing.T) {
	scanner, err := NewRelayScanner(Config{
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error { return nil },
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected an error before Start")
	}
}

func TestRelayFromEntry(t *testing.T) {
	entry := testServiceEntry("relay-1", "", 8080, "10.0.0.9", "version=1")
	entry.Text = []string{"relay_id=relay-1", "version=1", "path=socket"}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.9"))

	seenAt := time.Unix(1700000000, 0)
	relay, ok := relayFromEntry(entry, 1, seenAt)
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if !relay.Compatible || !relay.LastSeen.Equal(seenAt) {
		t.Fatalf("expected a compatible relay seen at %v, got %+v", seenAt, relay)
	}
	if relay.Instance != ".local" {
		t.Fatalf("expected host name fallback, got %q", relay.Instance)
	}
	if relay.Path != "/socket" {
		t.Fatalf("unexpected path: %q", relay.Path)
	}
	want := []string{"10.0.0.1", "10.0.0.9", "fe80::1"}
	if len(relay.Addresses) != len(want) {
		t.Fatalf("unexpected addresses: %v", relay.Addresses)
	}
	for i := range want {
		if relay.Addresses[i] != want[i] {
			t.Fatalf("unexpected addresses: %v", relay.Addresses)
		}
	}
	if got := relay.URL(); got != "ws://10.0.0.1:8080/socket" {
		t.Fatalf("unexpected URL: %q", got)
	}

	if other, _ := relayFromEntry(entry, 2, seenAt); other.Compatible {
		t.Fatalf("relay on another protocol version must not be compatible")
	}
	entry.AddrIPv4, entry.AddrIPv6 = nil, nil
	if unreachable, _ := relayFromEntry(entry, 1, seenAt); unreachable.Compatible {
		t.Fatalf("relay without addresses must not be compatible")
	}

	entry.Text = []string{"version=1"}
	if _, ok := relayFromEntry(entry, 1, seenAt); ok {
		t.Fatalf("entry without relay id must be skipped")
	}
}

func TestDiffRelaysReportsChangedRecords(t *testing.T) {
	seen := time.Now()
	office := DiscoveredRelay{RelayID: "relay-1", Instance: "Office", Port: 8080, Addresses: []string{"10.0.0.2"}, LastSeen: seen}
	lab := DiscoveredRelay{RelayID: "relay-2", Instance: "Lab", Port: 8081, Addresses: []string{"10.0.0.3"}, LastSeen: seen}

	later := office
	later.LastSeen = seen.Add(time.Minute)
	if events := diffRelays(map[string]DiscoveredRelay{"relay-1": office}, map[string]DiscoveredRelay{"relay-1": later}); len(events) != 0 {
		t.Fatalf("a relay seen again unchanged must not emit, got %+v", events)
	}

	moved := office
	moved.Addresses = []string{"10.0.0.9"}
	events := diffRelays(
		map[string]DiscoveredRelay{"relay-1": office, "relay-2": lab},
		map[string]DiscoveredRelay{"relay-1": moved},
	)
	if len(events) != 2 {
		t.Fatalf("expected an upsert and a removal, got %+v", events)
	}
	if events[0].Type != EventRelayUpserted || events[0].Relay.Addresses[0] != "10.0.0.9" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != EventRelayRemoved || events[1].Relay.RelayID != "relay-2" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestScanReturnsBrowseFailure(t *testing.T) {
	browseErr := errors.New("multicast unavailable")
	scanner, err := NewRelayScanner(Config{
		ScanTimeout: time.Second,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}

	started := time.Now()
	if _, err := scanner.Scan(context.Background()); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse failure, got %v", err)
	}
	if time.Since(started) > 500*time.Millisecond {
		t.Fatalf("browse failure should end the scan early")
	}
}

func TestScanToleratesClosedEntryChannel(t *testing.T) {
	scanner, err := NewRelayScanner(Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("relay-1", "Office", 8080, "10.0.0.2", "version=1")
			close(entries)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}

	relays, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(relays) != 1 || relays[0].RelayID != "relay-1" {
		t.Fatalf("unexpected relays: %+v", relays)
	}
	if best, ok := scanner.Best(); !ok || best.RelayID != "relay-1" {
		t.Fatalf("expected relay-1 as best, got %+v %v", best, ok)
	}
}

func TestURLBracketsIPv6(t *testing.T) {
	relay := DiscoveredRelay{Addresses: []string{"fe80::1"}, Port: 8080, Path: "/ws"}
	if got := relay.URL(); got != "ws://[fe80::1]:8080/ws" {
		t.Fatalf("unexpected URL: %q", got)
	}
	if got := (DiscoveredRelay{Port: 8080}).URL(); got != "" {
		t.Fatalf("relay without addresses has no URL, got %q", got)
	}
}

func testServiceEntry(relayID, instance string, port int, ip string, version string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"relay_id=" + relayID,
			"path=/ws",
			version,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, relayID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Relay.RelayID == relayID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
