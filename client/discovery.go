package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service the server advertises its device port on.
const ServiceType = "_devlink._tcp"

// DiscoveredService represents a discovered devlink server
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	TXTRecords  []string
}

// Addr is the host:port to dial.
func (s DiscoveredService) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Discover returns the first devlink server that answers on the local network.
func Discover(timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(ServiceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Warn("mDNS query failed", "service", ServiceType, "error", err)
		}
	}()

	deadline := time.After(timeout)
	for {
		select {
		case entry, ok := <-entriesCh:
			if !ok {
				return nil, fmt.Errorf("no %s service found", ServiceType)
			}
			service, ok := serviceFromEntry(entry)
			if !ok {
				continue
			}
			slog.Info("Discovered devlink server",
				"service_name", service.ServiceName,
				"address", service.Address,
				"port", service.Port,
			)
			return service, nil
		case <-deadline:
			return nil, fmt.Errorf("mDNS discovery timeout for %s", ServiceType)
		}
	}
}

func serviceFromEntry(entry *mdns.ServiceEntry) (*DiscoveredService, bool) {
	if entry == nil {
		return nil, false
	}
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, false
	}
	return &DiscoveredService{
		ServiceName: entry.Name,
		Address:     address,
		Port:        entry.Port,
		TXTRecords:  entry.InfoFields,
	}, true
}
