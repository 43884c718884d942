package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.Device.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.Relay.PairingTimeout.Std() != 10*time.Second {
		t.Fatalf("expected default pairing timeout, got %s", firstCfg.Relay.PairingTimeout)
	}
	if firstCfg.Device.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size, got %d", firstCfg.Device.ChunkSize)
	}
	if !firstCfg.Relay.Advertise {
		t.Fatalf("expected a fresh config to advertise the relay")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	for _, dir := range []string{"keys", "files", "spool"} {
		if info, err := os.Stat(filepath.Join(tempDir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory: %v", dir, err)
		}
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if diff := cmp.Diff(firstCfg, secondCfg); diff != "" {
		t.Fatalf("reloaded config differs (-first +second):\n%s", diff)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	raw := []byte(`{"relay":{"pairing_timeout":"3s"},"device":{"device_id":"kept"},"log":{"level":"WARNING"}}`)
	if err := os.WriteFile(ConfigPath(tempDir), raw, 0o600); err != nil {
		t.Fatalf("write partial config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.Relay.PairingTimeout.Std() != 3*time.Second {
		t.Fatalf("expected explicit pairing timeout to survive, got %s", cfg.Relay.PairingTimeout)
	}
	if cfg.Device.DeviceID != "kept" {
		t.Fatalf("expected device ID to survive, got %q", cfg.Device.DeviceID)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != LogFormatText {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Device.FilesDir != filepath.Join(tempDir, "files") {
		t.Fatalf("unexpected files dir %q", cfg.Device.FilesDir)
	}

	persisted, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.Relay.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected normalized defaults to be persisted, got %+v", persisted.Relay)
	}
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)
	t.Setenv(EnvRelayURL, "ws://relay.example:9000/ws")
	t.Setenv(EnvListenAddress, "127.0.0.1:0")
	t.Setenv(EnvLogLevel, "debug")

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.Device.RelayURL != "ws://relay.example:9000/ws" || cfg.Relay.ListenAddress != "127.0.0.1:0" || cfg.Log.Level != "debug" {
		t.Fatalf("environment overrides not applied: %+v", cfg)
	}

	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.Device.RelayURL != DefaultRelayURL {
		t.Fatalf("environment override leaked into config file: %q", persisted.Device.RelayURL)
	}
}

func TestYAMLConfigRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "swiftly.yaml")

	raw := []byte(`
relay:
  listen_address: ":9443"
  pairing_timeout: 15s
  duplicate_pairing: reject
device:
  relay_url: ws://10.0.0.2:9443/ws
  auto_accept_pairing: true
  chunks_per_second: 250
log:
  format: json
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write yaml config: %v", err)
	}

	cfg, err := LoadFile(path, tempDir)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Relay.ListenAddress != ":9443" || cfg.Relay.PairingTimeout.Std() != 15*time.Second || cfg.Relay.DuplicatePairing != "reject" {
		t.Fatalf("unexpected relay config %+v", cfg.Relay)
	}
	if !cfg.Device.AutoAcceptPairing || cfg.Device.ChunksPerSecond != 250 || cfg.Device.RelayURL != "ws://10.0.0.2:9443/ws" {
		t.Fatalf("unexpected device config %+v", cfg.Device)
	}
	if cfg.Log.Format != LogFormatJSON {
		t.Fatalf("unexpected log format %q", cfg.Log.Format)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload yaml failed: %v", err)
	}
	if diff := cmp.Diff(cfg, reloaded); diff != "" {
		t.Fatalf("yaml reload differs (-want +got):\n%s", diff)
	}
}

func TestDurationAcceptsStringsAndNanoseconds(t *testing.T) {
	var holder struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"1m30s","b":2000000000}`), &holder); err != nil {
		t.Fatalf("unmarshal durations: %v", err)
	}
	if holder.A.Std() != 90*time.Second || holder.B.Std() != 2*time.Second {
		t.Fatalf("unexpected durations %s and %s", holder.A, holder.B)
	}

	if err := json.Unmarshal([]byte(`{"a":"soon"}`), &holder); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}

	encoded, err := json.Marshal(Duration(1500 * time.Millisecond))
	if err != nil {
		t.Fatalf("marshal duration: %v", err)
	}
	if string(encoded) != `"1.5s"` {
		t.Fatalf("unexpected encoding %s", encoded)
	}
}
