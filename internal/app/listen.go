package app

import (
	"fmt"
	"net"

	"metamcp/internal/config"

	"github.com/coreos/go-systemd/v22/activation"
)

// listen binds the gateway's HTTP listener. When cfg.SystemdSocketName is
// set, it prefers a socket handed down by systemd socket activation over
// binding a new TCP port itself; this lets a unit file own the listening
// socket across restarts. It falls back to a plain TCP listener on
// cfg.Host:cfg.Port whenever no activated socket matches, which is always
// the case outside a systemd unit.
func listen(cfg config.ListenConfig) (net.Listener, string, error) {
	if cfg.SystemdSocketName != "" {
		listeners, err := activation.ListenersWithNames()
		if err == nil {
			if matches, ok := listeners[cfg.SystemdSocketName]; ok && len(matches) > 0 {
				return matches[0], fmt.Sprintf("systemd socket %q", cfg.SystemdSocketName), nil
			}
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, addr, nil
}
