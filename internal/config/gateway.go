package config

import (
	"fmt"
	"net/netip"
	"net/url"

	"github.com/ameshkov/ssme/internal/gateway"
	"github.com/ameshkov/ssme/internal/hoststore"
)

// ToGatewayConfig transforms the configuration to the internal
// gateway.Config.  The error collector is left for the caller to set.
func (f *File) ToGatewayConfig() (gwCfg *gateway.Config, err error) {
	gwCfg = &gateway.Config{
		Hosts:         hoststore.NewDir(f.HostsPath),
		ListenPort:    f.Port,
		ListenPortTLS: f.SecurePort,
		DrainTimeout:  f.DrainTimeout,
		CloseTimeout:  f.CloseTimeout,
	}

	gwCfg.ListenAddr, err = netip.ParseAddr(f.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse gateway listen addr: %w", err)
	}

	if f.ProxyURL != "" {
		gwCfg.ProxyURL, err = url.Parse(f.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse gateway proxy url: %w", err)
		}
	}

	return gwCfg, nil
}
