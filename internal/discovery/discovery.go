// Package discovery advertises the transfer endpoint over mDNS and takes
// bounded snapshots of peers advertising the same service type.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType identifies transfer servers of this application on the
	// local network.
	ServiceType = "_actualreader._tcp"
	// Domain is the mDNS domain all records live in.
	Domain = "local."
)

// ErrNoAddress indicates a resolved record carried no usable IPv4 address.
var ErrNoAddress = errors.New("discovery: record has no IPv4 address")

// Peer is one resolved transfer endpoint.
type Peer struct {
	Name    string
	Address string
	Port    int
}

// InstanceName derives an advertisable instance name from a hostname. A short
// random suffix keeps two instances on the same host distinguishable.
func InstanceName(hostname string) string {
	name := strings.ReplaceAll(strings.TrimSpace(hostname), " ", "-")
	if name == "" {
		name = "actual-reader"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return name + "-" + suffix
}

// Announcer holds a registered service record until Shutdown retracts it.
type Announcer struct {
	server *zeroconf.Server
	logger *zap.Logger
	name   string
}

// Announce registers an instance record for the given port on all interfaces.
func Announce(name string, port int, logger *zap.Logger) (*Announcer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	server, err := zeroconf.Register(name, ServiceType, Domain, port, []string{"version=1"}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", name, err)
	}
	logger.Info("advertising transfer endpoint",
		zap.String("instance", name),
		zap.Int("port", port))
	return &Announcer{server: server, logger: logger, name: name}, nil
}

// Shutdown retracts the advertisement. Safe to call more than once.
func (a *Announcer) Shutdown() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("retracted transfer advertisement", zap.String("instance", a.name))
}

// Browse collects transfer endpoints visible within the window and returns a
// deduplicated snapshot sorted by name. Records are keyed by their
// fully-qualified instance name so a zero-TTL record retracts an earlier
// sighting. Records without an IPv4 address are skipped.
func Browse(ctx context.Context, window time.Duration, logger *zap.Logger) ([]Peer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: create resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	seen := make(map[string]Peer)
	for entry := range entries {
		key := entry.ServiceInstanceName()
		if entry.TTL == 0 {
			delete(seen, key)
			continue
		}
		address, err := firstIPv4(entry)
		if err != nil {
			logger.Debug("skipping record without IPv4 address",
				zap.String("instance", entry.Instance))
			continue
		}
		seen[key] = Peer{Name: entry.Instance, Address: address, Port: entry.Port}
	}

	peers := make([]Peer, 0, len(seen))
	for _, peer := range seen {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	logger.Info("discovery window elapsed", zap.Int("peers", len(peers)))
	return peers, nil
}

func firstIPv4(entry *zeroconf.ServiceEntry) (string, error) {
	for _, addr := range entry.AddrIPv4 {
		if ip := addr.To4(); ip != nil {
			return ip.String(), nil
		}
	}
	return "", ErrNoAddress
}
