// ABOUTME: Tests for mDNS discovery
// ABOUTME: Service types per role and conversion of mDNS answers
package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
)

func TestServiceTypes(t *testing.T) {
	if got := RoleCompositor.ServiceType(); got != "_flipstamp-compositor._tcp" {
		t.Errorf("compositor service type %q", got)
	}
	if got := RoleMonitor.ServiceType(); got != "_flipstamp-monitor._tcp" {
		t.Errorf("monitor service type %q", got)
	}
}

func TestServiceFromEntry(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:       "lab-display._flipstamp-compositor._tcp.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       8930,
		InfoFields: []string{"path=/feedback"},
	}

	info := serviceFromEntry(entry)
	if info == nil {
		t.Fatal("expected service info")
	}
	if info.Addr() != "192.168.1.20:8930" || info.Path != "/feedback" {
		t.Errorf("unexpected info %+v", info)
	}

	if serviceFromEntry(&mdns.ServiceEntry{Name: "v6 only"}) != nil {
		t.Error("entries without IPv4 should be skipped")
	}
}

func TestFirstTimesOut(t *testing.T) {
	mgr := NewManager(Config{ServiceName: "test", Port: 1, Role: RoleMonitor})
	defer mgr.Stop()

	if _, err := mgr.First(10 * time.Millisecond); err == nil {
		t.Error("expected timeout with nothing browsing")
	}
}
