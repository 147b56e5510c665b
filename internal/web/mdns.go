package web

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// mDNS service identity of the API.
const (
	ServiceType        = "_madoka._tcp"
	ServiceDomain      = "local."
	maxInstanceNameLen = 63
)

// AdvertiseConfig describes the advertised API.
type AdvertiseConfig struct {
	Instance  string // defaults to "madoka-<address>"
	Port      int
	Interface string // empty = all interfaces
	Address   string
	Version   string
	APIKey    bool // whether clients need X-API-Key
}

// Advertiser publishes the API over mDNS until Shutdown.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers the service.
func Advertise(cfg AdvertiseConfig) (*Advertiser, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("mdns: invalid port %d", cfg.Port)
	}

	var ifaces []net.Interface
	if cfg.Interface != "" {
		iface, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("mdns: interface %q: %w", cfg.Interface, err)
		}
		ifaces = []net.Interface{*iface}
	}

	server, err := zeroconf.Register(instanceName(cfg), ServiceType, ServiceDomain, cfg.Port, txtRecords(cfg), ifaces)
	if err != nil {
		return nil, fmt.Errorf("mdns: register %s: %w", ServiceType, err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the service. Safe to call more than once.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func instanceName(cfg AdvertiseConfig) string {
	name := cfg.Instance
	if name == "" {
		name = "madoka-" + strings.NewReplacer(":", "", " ", "", "/", "").Replace(strings.ToLower(cfg.Address))
	}
	if len(name) > maxInstanceNameLen {
		name = name[:maxInstanceNameLen]
	}
	return name
}

func txtRecords(cfg AdvertiseConfig) []string {
	kv := map[string]string{
		"path":    "/api",
		"ws":      "/ws",
		"address": cfg.Address,
		"auth":    "none",
	}
	if cfg.Version != "" {
		kv["version"] = cfg.Version
	}
	if cfg.APIKey {
		kv["auth"] = "api-key"
	}
	out := make([]string, 0, len(kv))
	for k, v := range kv {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
