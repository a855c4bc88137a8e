package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// Broadcaster advertises the local node via mDNS.
type Broadcaster struct {
	instance string
	server   *zeroconf.Server
	logger   *zap.Logger
}

// StartBroadcaster registers the local node under its instance name.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(roleBroadcast); err != nil {
		return nil, err
	}

	instance := InstanceName(cfg.DeviceName, cfg.SelfPeerID)
	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %s: %w", cfg.Service, err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.Logger.Info("mdns broadcast started",
		zap.String("instance", instance),
		zap.String("service", cfg.Service),
		zap.Int("port", cfg.ListeningPort),
		zap.Uint32("ttl", cfg.TTL))
	return &Broadcaster{instance: instance, server: server, logger: cfg.Logger}, nil
}

// Instance returns the advertised instance name.
func (b *Broadcaster) Instance() string {
	return b.instance
}

// Stop withdraws the advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.logger.Debug("mdns broadcast stopped", zap.String("instance", b.instance))
}

// Service is a running broadcaster plus scanner sharing one config.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start advertises the local node and begins scanning for others. Nothing is
// left running when it fails.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		return nil, err
	}
	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		scanner.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}
	return &Service{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// Stop stops the scanner, then withdraws the advertisement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.Scanner.Stop()
	s.Broadcaster.Stop()
}
