package session

import (
	"context"
	"strings"
	"time"

	"github.com/hamzawahab/parley/internal/config"
)

// DefaultNetworkPoll is how often WatchNetwork checks the local address.
const DefaultNetworkPoll = 5 * time.Second

// LocalIP is the address currently advertised to peers.
func (s *Session) LocalIP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localIP
}

// RefreshNetworkState re-advertises the session on ip. It reports false
// when ip is blank or unchanged.
func (s *Session) RefreshNetworkState(ip string) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return false
	}
	s.mu.Lock()
	previous := s.localIP
	if ip == previous {
		s.mu.Unlock()
		return false
	}
	s.localIP = ip
	s.mu.Unlock()

	if s.Transfer != nil {
		s.Transfer.UpdateLocalEndpoint("", ip)
	}
	if s.Discovery != nil {
		s.Discovery.UpdateLocalEndpoint(ip, s.Config.ListenPort)
	}
	s.Logger.Info("local address moved from %s to %s", previous, ip)
	s.emitStatus("Network updated: now advertising " + ip)
	return true
}

// WatchNetwork polls the local address every interval until ctx is done.
// Lookup failures are skipped; the next tick tries again.
func (s *Session) WatchNetwork(ctx context.Context, interval time.Duration) error {
	return s.watchNetwork(ctx, interval, config.GetLocalIP)
}

func (s *Session) watchNetwork(ctx context.Context, interval time.Duration, lookup func() (string, error)) error {
	if interval <= 0 {
		interval = DefaultNetworkPoll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		ip, err := lookup()
		if err != nil {
			s.Logger.Debug("look up local address: %v", err)
			continue
		}
		s.RefreshNetworkState(ip)
	}
}

func (s *Session) emitStatus(message string) {
	s.mu.RLock()
	sink := s.status
	s.mu.RUnlock()
	if sink != nil && message != "" {
		sink(message)
	}
}
