// Package meshconfig resolves the daemon configuration from an optional
// YAML file, BITPOINTS_* environment overrides, and built-in defaults,
// in that order of increasing precedence.
package meshconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/mesh"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/pkg/models"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

const (
	TransportLAN      = "lan"
	TransportLoopback = "loopback"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Transport    string
	Listen       string
	Peers        []string
	Nickname     string
	KeystorePath string
	// Passphrase unlocks the keystore. It is never read from the
	// config file, only from BITPOINTS_PASSPHRASE.
	Passphrase  []byte
	MetricsAddr string
	Mesh        mesh.Config
}

// FileConfig mirrors the on-disk YAML layout.
type FileConfig struct {
	Node NodeSection `yaml:"node"`
	Mesh mesh.Config `yaml:"mesh"`
}

type NodeSection struct {
	Transport    string   `yaml:"transport"`
	Listen       string   `yaml:"listen"`
	Peers        []string `yaml:"peers"`
	Nickname     string   `yaml:"nickname"`
	KeystorePath string   `yaml:"keystorePath"`
	MetricsAddr  string   `yaml:"metricsAddr"`
}

func Default() Config {
	return Config{
		Transport:    TransportLAN,
		Listen:       "/ip4/0.0.0.0/udp/4488/quic-v1",
		KeystorePath: "bitpoints-keystore.bin",
		Mesh:         mesh.DefaultConfig(),
	}
}

// LoadFromPath resolves the configuration. An explicit path replaces the
// default candidates; a candidate that does not exist is skipped, one
// that exists but does not parse is an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/bitpoints.yaml",
			"bitpoints.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge overlays the fields set in src onto dst. Zero values in src
// leave dst untouched.
func Merge(dst *Config, src FileConfig) {
	if src.Node.Transport != "" {
		dst.Transport = src.Node.Transport
	}
	if src.Node.Listen != "" {
		dst.Listen = src.Node.Listen
	}
	if src.Node.Peers != nil {
		dst.Peers = src.Node.Peers
	}
	if src.Node.Nickname != "" {
		dst.Nickname = src.Node.Nickname
	}
	if src.Node.KeystorePath != "" {
		dst.KeystorePath = src.Node.KeystorePath
	}
	if src.Node.MetricsAddr != "" {
		dst.MetricsAddr = src.Node.MetricsAddr
	}
	mergeMesh(&dst.Mesh, src.Mesh)
}

func mergeMesh(dst *mesh.Config, src mesh.Config) {
	if src.MaxConnections != 0 {
		dst.MaxConnections = src.MaxConnections
	}
	if src.DefaultTTL != 0 {
		dst.DefaultTTL = src.DefaultTTL
	}
	if src.FragmentSize != 0 {
		dst.FragmentSize = src.FragmentSize
	}
	if src.RatePerMinute != 0 {
		dst.RatePerMinute = src.RatePerMinute
	}
	if src.RatePerHour != 0 {
		dst.RatePerHour = src.RatePerHour
	}
	if src.SignalFloorDBm != 0 {
		dst.SignalFloorDBm = src.SignalFloorDBm
	}
	if src.SignalCeilDBm != 0 {
		dst.SignalCeilDBm = src.SignalCeilDBm
	}
	if src.BlockDuration != 0 {
		dst.BlockDuration = src.BlockDuration
	}
	if src.FragmentTimeout != 0 {
		dst.FragmentTimeout = src.FragmentTimeout
	}
	if src.MaxAssemblies != 0 {
		dst.MaxAssemblies = src.MaxAssemblies
	}
	if src.DedupRetention != 0 {
		dst.DedupRetention = src.DedupRetention
	}
	if src.AckTimeout != 0 {
		dst.AckTimeout = src.AckTimeout
	}
	if src.RekeyAge != 0 {
		dst.RekeyAge = src.RekeyAge
	}
	if src.RekeyMessages != 0 {
		dst.RekeyMessages = src.RekeyMessages
	}
	if src.HandshakeTimeout != 0 {
		dst.HandshakeTimeout = src.HandshakeTimeout
	}
	if src.MaintenanceTick != 0 {
		dst.MaintenanceTick = src.MaintenanceTick
	}
	if src.ReconnectBase != 0 {
		dst.ReconnectBase = src.ReconnectBase
	}
	if src.ReconnectMax != 0 {
		dst.ReconnectMax = src.ReconnectMax
	}
	if src.MaxReconnects != 0 {
		dst.MaxReconnects = src.MaxReconnects
	}
	if src.RelayFloor != 0 {
		dst.RelayFloor = src.RelayFloor
	}
	if src.RelayCeil != 0 {
		dst.RelayCeil = src.RelayCeil
	}
	if src.RelayBudgetBytes != 0 {
		dst.RelayBudgetBytes = src.RelayBudgetBytes
	}
	if src.RelayBudgetWindow != 0 {
		dst.RelayBudgetWindow = src.RelayBudgetWindow
	}
	if src.AnnounceInterval != 0 {
		dst.AnnounceInterval = src.AnnounceInterval
	}
	if src.PeerTTL != 0 {
		dst.PeerTTL = src.PeerTTL
	}
	if src.EventBuffer != 0 {
		dst.EventBuffer = src.EventBuffer
	}
	if src.InboundBuffer != 0 {
		dst.InboundBuffer = src.InboundBuffer
	}
}

// ApplyEnvOverrides applies BITPOINTS_* variables on top of cfg.
// Unparsable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_TRANSPORT")); v != "" {
		cfg.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_PEERS")); v != "" {
		parts := strings.Split(v, ",")
		peers := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				peers = append(peers, part)
			}
		}
		cfg.Peers = peers
	}
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_NICKNAME")); v != "" {
		cfg.Nickname = v
	}
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_KEYSTORE")); v != "" {
		cfg.KeystorePath = v
	}
	// Passphrases keep their whitespace.
	if v := os.Getenv("BITPOINTS_PASSPHRASE"); v != "" {
		cfg.Passphrase = []byte(v)
	}
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_DEFAULT_TTL")); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil && n > 0 {
			cfg.Mesh.DefaultTTL = uint8(n)
		}
	}
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_ANNOUNCE_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Mesh.AnnounceInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("BITPOINTS_BLOCK_DURATION")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Mesh.BlockDuration = d
		}
	}
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportLAN, TransportLoopback:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Transport == TransportLAN {
		if err := checkAddr(c.Listen); err != nil {
			return fmt.Errorf("listen address: %w", err)
		}
		for _, peer := range c.Peers {
			if err := checkAddr(peer); err != nil {
				return fmt.Errorf("peer address %q: %w", peer, err)
			}
		}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("metrics address: %w", err)
		}
	}
	if len(c.Nickname) > models.MaxNicknameLength {
		return fmt.Errorf("nickname longer than %d bytes", models.MaxNicknameLength)
	}
	return nil
}

// checkAddr accepts multiaddrs with an ip4 or ip6 host and a udp port.
func checkAddr(s string) error {
	addr, err := ma.NewMultiaddr(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if _, err := addr.ValueForProtocol(ma.P_UDP); err != nil {
		return fmt.Errorf("udp port missing: %w", err)
	}
	if _, err := addr.ValueForProtocol(ma.P_IP4); err != nil {
		if _, err := addr.ValueForProtocol(ma.P_IP6); err != nil {
			return errors.New("host must be ip4 or ip6")
		}
	}
	return nil
}
