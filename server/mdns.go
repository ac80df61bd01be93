package server

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service devices browse for.
const ServiceType = "_devlink._tcp"

// Advertise announces the device TCP port on the local network. The caller
// must Shutdown the returned server.
func Advertise(instance string, port int, info []string) (*mdns.Server, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "devlink"
		}
		instance = host
	}

	svc, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	slog.Info("Advertising server over mDNS", "instance", instance, "service", ServiceType, "port", port)
	return srv, nil
}
