package prefill

import (
	"context"
	"fmt"
	"runtime"
)

// transportKind selects how the manager talks to a session's in-container
// daemon (spec.md §4.M step 5).
type transportKind string

const (
	transportUnix transportKind = "unix"
	transportTCP  transportKind = "tcp"
)

// netStrategy is the resolved container networking for a session (spec.md
// §4.M step 4).
type netStrategy struct {
	networkMode string
	dnsServers  []string
	sysctls     map[string]string
}

// resolveNetworkStrategy picks the session container's network mode.
// netOverride, when non-empty, wins outright. Otherwise an explicit
// config.PrefillConfig.NetworkMode wins. Failing both, the manager looks
// for a running lancache-DNS container and shares its network namespace
// so the worker resolves storefront CDN hosts through the cache (spec.md
// §4.M step 4: "auto-detect a lancache-DNS container and join its network
// namespace; inject its DNS IP; disable IPv6 to avoid bypassing the
// cache"). With nothing to detect, the engine default bridge network is
// used plain.
func (m *Manager) resolveNetworkStrategy(ctx context.Context, netOverride string) (netStrategy, error) {
	if netOverride != "" {
		return netStrategy{networkMode: netOverride}, nil
	}
	if m.cfg.NetworkMode != "" {
		return netStrategy{networkMode: m.cfg.NetworkMode}, nil
	}

	dnsIP := m.cfg.LancacheDnsIp
	if dnsIP == "" {
		found, err := m.findLancacheDNSContainer(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "lancache-DNS auto-detection failed; using default networking", "error", err)
			return netStrategy{}, nil
		}
		if found == "" {
			return netStrategy{}, nil
		}
		return netStrategy{
			networkMode: "container:" + found,
		}, nil
	}

	return netStrategy{
		dnsServers: []string{dnsIP},
		sysctls:    map[string]string{"net.ipv6.conf.all.disable_ipv6": "1"},
	}, nil
}

// findLancacheDNSContainer looks for a running container named
// lancache-dns (the convention used across the lancache ecosystem),
// returning its ID, or "" if none is running.
func (m *Manager) findLancacheDNSContainer(ctx context.Context) (string, error) {
	containers, err := m.engine.ListContainers(ctx, "lancache-dns")
	if err != nil {
		return "", fmt.Errorf("listing candidate lancache-DNS containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}

// chooseTransport selects Unix domain socket transport unless the host is
// Windows or UseTcp is forced on (spec.md §4.M step 5), returning the host
// port the manager will dial. A configured HostTcpPort is used as-is;
// otherwise the engine does not expose which ephemeral port it picked, so
// the in-container port is forwarded 1:1 as a best effort.
func (m *Manager) chooseTransport() (transportKind, int) {
	if m.cfg.UseTcp || runtime.GOOS == "windows" {
		containerPort := m.cfg.TcpPort
		if containerPort == 0 {
			containerPort = 9100
		}
		hostPort := m.cfg.HostTcpPort
		if hostPort == 0 {
			hostPort = containerPort
		}
		return transportTCP, hostPort
	}
	return transportUnix, 0
}

// connectTransport dials the session daemon once it has had a chance to
// start listening.
func (m *Manager) connectTransport(ctx context.Context, kind transportKind, hostResponsesDir string, tcpHostPort int, secret string) (*Transport, error) {
	switch kind {
	case transportTCP:
		host := m.cfg.TcpHost
		if host == "" {
			host = "127.0.0.1"
		}
		return DialTCP(ctx, host, tcpHostPort, secret)
	default:
		return DialUnix(ctx, socketPathFor(hostResponsesDir), secret)
	}
}

// socketPathFor derives the well-known Unix domain socket path the daemon
// listens on, alongside its responses directory.
func socketPathFor(hostResponsesDir string) string {
	return hostResponsesDir + "/daemon.sock"
}
