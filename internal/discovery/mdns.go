// ABOUTME: mDNS advertisement and browsing for compositor daemons and monitor feeds
// ABOUTME: Lets a harness find a feedback compositor on the local network
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// Role selects which service is advertised or browsed.
type Role int

const (
	// RoleCompositor is a presentation feedback compositor.
	RoleCompositor Role = iota
	// RoleMonitor is a live swap diagnostics feed.
	RoleMonitor
)

// ServiceType returns the DNS-SD service type of a role.
func (r Role) ServiceType() string {
	if r == RoleMonitor {
		return "_flipstamp-monitor._tcp"
	}
	return "_flipstamp-compositor._tcp"
}

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Role        Role
	Path        string // WebSocket path advertised in TXT, e.g. /feedback
}

// Manager handles mDNS operations
type Manager struct {
	config   Config
	ctx      context.Context
	cancel   context.CancelFunc
	services chan *ServiceInfo
}

// ServiceInfo describes a discovered service
type ServiceInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// Addr returns host:port
func (s *ServiceInfo) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		services: make(chan *ServiceInfo, 10),
	}
}

// Advertise publishes the configured service until Stop is called.
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	serviceType := m.config.Role.ServiceType()
	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		serviceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Printf("Advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, serviceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for services of the configured role until Stop.
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				info := serviceFromEntry(entry)
				if info == nil {
					continue
				}

				log.Printf("Discovered %s: %s at %s", m.config.Role.ServiceType(), info.Name, info.Addr())

				select {
				case m.services <- info:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: m.config.Role.ServiceType(),
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			log.Printf("mDNS query failed: %v", err)
		}
		close(entries)
	}
}

// First waits for the first discovered service or the timeout.
func (m *Manager) First(timeout time.Duration) (*ServiceInfo, error) {
	select {
	case s := <-m.services:
		return s, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no %s found within %v", m.config.Role.ServiceType(), timeout)
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

// Services returns the channel of discovered services
func (m *Manager) Services() <-chan *ServiceInfo {
	return m.services
}

// Stop stops advertising and browsing
func (m *Manager) Stop() {
	m.cancel()
}

// serviceFromEntry converts an mDNS answer, returning nil for entries
// without an IPv4 address.
func serviceFromEntry(entry *mdns.ServiceEntry) *ServiceInfo {
	if entry == nil || entry.AddrV4 == nil {
		return nil
	}

	info := &ServiceInfo{
		Name: entry.Name,
		Host: entry.AddrV4.String(),
		Port: entry.Port,
	}
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "path="); ok {
			info.Path = v
		}
	}
	return info
}

// getLocalIPs returns non-loopback IPv4 addresses of up interfaces
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
