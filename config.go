package printmutex

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ovaladares/printmutex/pkg/domain"
)

type Config struct {
	Logger *slog.Logger

	// DiscoveryBackend is "grpc" (health checks) or "serf" (membership).
	DiscoveryBackend string
	ProbeTimeout     time.Duration
	ProtocolConfig   *ProtocolConfig
	SerfConfig       *SerfConfig
}

type ProtocolConfig struct {
	RequestTimeout         time.Duration
	DepartureCheckInterval time.Duration
}

type SerfConfig struct {
	BindAddr  string
	SeedNodes []string
}

var defaultConfig = &Config{
	Logger:           slog.Default(),
	DiscoveryBackend: "grpc",
	ProbeTimeout:     time.Second,
	ProtocolConfig: &ProtocolConfig{
		RequestTimeout:         10 * time.Second,
		DepartureCheckInterval: 2 * time.Second,
	},
}

func NewConfig(userConf *Config) *Config {
	if userConf == nil {
		userConf = &Config{}
	}

	if userConf.Logger == nil {
		userConf.Logger = defaultConfig.Logger
	}

	if userConf.DiscoveryBackend == "" {
		userConf.DiscoveryBackend = defaultConfig.DiscoveryBackend
	}

	if userConf.ProbeTimeout == 0 {
		userConf.ProbeTimeout = defaultConfig.ProbeTimeout
	}

	if userConf.ProtocolConfig == nil {
		protocol := *defaultConfig.ProtocolConfig
		userConf.ProtocolConfig = &protocol
	} else {
		if userConf.ProtocolConfig.RequestTimeout == 0 {
			userConf.ProtocolConfig.RequestTimeout = defaultConfig.ProtocolConfig.RequestTimeout
		}

		if userConf.ProtocolConfig.DepartureCheckInterval == 0 {
			userConf.ProtocolConfig.DepartureCheckInterval = defaultConfig.ProtocolConfig.DepartureCheckInterval
		}
	}

	return userConf
}

// ParsePeers reads a peer list in the form "1=host:port,2=host:port".
func ParsePeers(s string) (map[PeerID]string, error) {
	peers := make(map[PeerID]string)

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		idPart, addr, ok := strings.Cut(entry, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("invalid peer entry %q: expected id=host:port", entry)
		}

		n, err := strconv.ParseInt(idPart, 10, 32)
		if err != nil || !domain.PeerID(n).Valid() {
			return nil, fmt.Errorf("invalid peer id in %q", entry)
		}

		id := domain.PeerID(n)
		if _, exists := peers[id]; exists {
			return nil, fmt.Errorf("peer %d listed twice", id)
		}

		peers[id] = addr
	}

	return peers, nil
}
