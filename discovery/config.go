package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_drds._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the mDNS record TTL in seconds.
	DefaultTTL = 120
	// DefaultStaleScans is how many refresh intervals a peer may go unseen before removal.
	DefaultStaleScans = 3

	txtPeerID  = "peer_id"
	txtVersion = "version"
)

var (
	// ErrMissingPeerID is returned when SelfPeerID is blank.
	ErrMissingPeerID = errors.New("discovery: self peer ID is required")
	// ErrMissingDeviceName is returned when a broadcast has no device name.
	ErrMissingDeviceName = errors.New("discovery: device name is required")
	// ErrInvalidPort is returned when a broadcast has no listening port.
	ErrInvalidPort = errors.New("discovery: listening port must be > 0")
	// ErrInvalidTiming is returned for scan timings that could never see a peer twice.
	ErrInvalidTiming = errors.New("discovery: invalid scan timing")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service string
	Domain  string
	Version int
	TTL     uint32

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// StaleAfter is how long a peer may be missing from scans before it is
	// removed. Zero means DefaultStaleScans refresh intervals.
	StaleAfter time.Duration

	SelfPeerID    string
	DeviceName    string
	ListeningPort int

	Logger *zap.Logger
	Clock  clock.Clock

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleScans * out.RefreshInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

type role int

const (
	roleScan role = iota
	roleBroadcast
)

// validate checks a defaulted config for the given role. Scanning only needs
// to recognize itself; broadcasting also needs something to advertise.
func (c Config) validate(r role) error {
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return ErrMissingPeerID
	}
	if c.ScanTimeout > c.RefreshInterval {
		return fmt.Errorf("%w: scan timeout %s exceeds refresh interval %s", ErrInvalidTiming, c.ScanTimeout, c.RefreshInterval)
	}
	if c.StaleAfter <= c.ScanTimeout {
		return fmt.Errorf("%w: stale timeout %s must exceed scan timeout %s", ErrInvalidTiming, c.StaleAfter, c.ScanTimeout)
	}
	if r == roleScan {
		return nil
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return ErrMissingDeviceName
	}
	if c.ListeningPort <= 0 {
		return ErrInvalidPort
	}
	return nil
}

// txtRecords is the TXT payload parseEntry reads back.
func (c Config) txtRecords() []string {
	return []string{
		txtPeerID + "=" + c.SelfPeerID,
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
}

// InstanceName returns the advertised mDNS instance name. The peer ID suffix
// keeps two instances on one host from colliding.
func InstanceName(deviceName, peerID string) string {
	suffix := peerID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return deviceName + "-" + suffix
}
