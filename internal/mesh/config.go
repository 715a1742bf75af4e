package mesh

import (
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

type Config struct {
	MaxConnections int   `yaml:"maxConnections"`
	DefaultTTL     uint8 `yaml:"defaultTTL"`
	FragmentSize   int   `yaml:"fragmentSize"`

	RatePerMinute  int           `yaml:"ratePerMinute"`
	RatePerHour    int           `yaml:"ratePerHour"`
	SignalFloorDBm int           `yaml:"signalFloorDBm"`
	SignalCeilDBm  int           `yaml:"signalCeilDBm"`
	BlockDuration  time.Duration `yaml:"blockDuration"`

	FragmentTimeout time.Duration `yaml:"fragmentTimeout"`
	MaxAssemblies   int           `yaml:"maxAssemblies"`
	DedupRetention  time.Duration `yaml:"dedupRetention"`
	AckTimeout      time.Duration `yaml:"ackTimeout"`

	RekeyAge         time.Duration `yaml:"rekeyAge"`
	RekeyMessages    uint64        `yaml:"rekeyMessages"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`

	MaintenanceTick time.Duration `yaml:"maintenanceTick"`
	ReconnectBase   time.Duration `yaml:"reconnectBase"`
	ReconnectMax    time.Duration `yaml:"reconnectMax"`
	MaxReconnects   int           `yaml:"maxReconnects"`

	RelayFloor        float64       `yaml:"relayFloor"`
	RelayCeil         float64       `yaml:"relayCeil"`
	RelayBudgetBytes  int           `yaml:"relayBudgetBytes"`
	RelayBudgetWindow time.Duration `yaml:"relayBudgetWindow"`

	AnnounceInterval time.Duration `yaml:"announceInterval"`
	PeerTTL          time.Duration `yaml:"peerTTL"`

	EventBuffer   int `yaml:"eventBuffer"`
	InboundBuffer int `yaml:"inboundBuffer"`
}

func DefaultConfig() Config {
	return Config{
		MaxConnections: 8,
		DefaultTTL:     protocol.MaxTTL,
		FragmentSize:   480,

		RatePerMinute:  60,
		RatePerHour:    1000,
		SignalFloorDBm: -105,
		SignalCeilDBm:  -10,
		BlockDuration:  300 * time.Second,

		FragmentTimeout: 30 * time.Second,
		MaxAssemblies:   10,
		DedupRetention:  300 * time.Second,
		AckTimeout:      30 * time.Second,

		RekeyAge:         time.Hour,
		RekeyMessages:    100000,
		HandshakeTimeout: 15 * time.Second,

		MaintenanceTick: 5 * time.Second,
		ReconnectBase:   1 * time.Second,
		ReconnectMax:    30 * time.Second,
		MaxReconnects:   3,

		RelayFloor:        0.15,
		RelayCeil:         0.95,
		RelayBudgetBytes:  32 * 1024,
		RelayBudgetWindow: 10 * time.Second,

		AnnounceInterval: 30 * time.Second,
		PeerTTL:          5 * time.Minute,

		EventBuffer:   64,
		InboundBuffer: 256,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.DefaultTTL == 0 || cfg.DefaultTTL > protocol.MaxTTL {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.FragmentSize <= 0 {
		cfg.FragmentSize = def.FragmentSize
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = def.RatePerMinute
	}
	if cfg.RatePerHour <= 0 {
		cfg.RatePerHour = def.RatePerHour
	}
	if cfg.SignalFloorDBm == 0 {
		cfg.SignalFloorDBm = def.SignalFloorDBm
	}
	if cfg.SignalCeilDBm == 0 {
		cfg.SignalCeilDBm = def.SignalCeilDBm
	}
	if cfg.SignalCeilDBm < cfg.SignalFloorDBm {
		cfg.SignalFloorDBm, cfg.SignalCeilDBm = def.SignalFloorDBm, def.SignalCeilDBm
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = def.FragmentTimeout
	}
	if cfg.MaxAssemblies <= 0 {
		cfg.MaxAssemblies = def.MaxAssemblies
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = def.DedupRetention
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.RekeyAge <= 0 {
		cfg.RekeyAge = def.RekeyAge
	}
	if cfg.RekeyMessages == 0 {
		cfg.RekeyMessages = def.RekeyMessages
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.MaintenanceTick <= 0 {
		cfg.MaintenanceTick = def.MaintenanceTick
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = cfg.ReconnectBase
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.RelayFloor <= 0 || cfg.RelayFloor > 1 {
		cfg.RelayFloor = def.RelayFloor
	}
	if cfg.RelayCeil <= 0 || cfg.RelayCeil > 1 {
		cfg.RelayCeil = def.RelayCeil
	}
	if cfg.RelayCeil < cfg.RelayFloor {
		cfg.RelayFloor, cfg.RelayCeil = def.RelayFloor, def.RelayCeil
	}
	if cfg.RelayBudgetBytes <= 0 {
		cfg.RelayBudgetBytes = def.RelayBudgetBytes
	}
	if cfg.RelayBudgetWindow <= 0 {
		cfg.RelayBudgetWindow = def.RelayBudgetWindow
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = def.AnnounceInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = def.PeerTTL
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = def.InboundBuffer
	}
	return cfg
}
