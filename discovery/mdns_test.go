package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID:  "device-123",
		DeviceName:    "Alice Laptop",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "device_id=device-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertNotContainsTXTPrefix(t, gotTXT, "key=")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called for invalid config")
		return nil, nil
	}

	cases := map[string]Config{
		"missing id":   {DeviceName: "A", ListeningPort: 1, registerFn: register},
		"missing name": {SelfDeviceID: "a", ListeningPort: 1, registerFn: register},
		"missing port": {SelfDeviceID: "a", DeviceName: "A", registerFn: register},
		"port range":   {SelfDeviceID: "a", DeviceName: "A", ListeningPort: 70000, registerFn: register},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := StartBroadcaster(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestValidationReportsEveryProblem(t *testing.T) {
	err := Config{}.withDefaults().validateForBroadcast()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	for _, want := range []string{"self device id", "device name", "listening port"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfDeviceID:  "self",
		DeviceName:    "Self",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	svc.Stop()
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Service != DefaultService || cfg.Domain != DefaultDomain {
		t.Fatalf("unexpected service defaults: %q %q", cfg.Service, cfg.Domain)
	}
	if cfg.Version != DefaultVersion {
		t.Fatalf("expected version %d, got %d", DefaultVersion, cfg.Version)
	}
	if cfg.RefreshInterval != DefaultRefreshInterval || cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("unexpected interval defaults: %s %s", cfg.RefreshInterval, cfg.ScanTimeout)
	}
	if cfg.Now == nil || cfg.Now().IsZero() {
		t.Fatalf("expected default clock")
	}

	fixed := time.Unix(1_706_000_000, 0).UTC()
	custom := Config{Now: func() time.Time { return fixed }}.withDefaults()
	if !custom.Now().Equal(fixed) {
		t.Fatalf("custom clock was replaced")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

func assertNotContainsTXTPrefix(t *testing.T, txt []string, prefix string) {
	t.Helper()
	for _, value := range txt {
		if len(value) >= len(prefix) && value[:len(prefix)] == prefix {
			t.Fatalf("unexpected TXT prefix %q found in %v", prefix, txt)
		}
	}
}
