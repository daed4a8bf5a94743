package peerhub

import (
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the file form of a hub configuration.
//
//	listen = "0.0.0.0:9000"
//	encoding = "utf-8"        # WHATWG label, or "binary"
//	reception_buffer_size = 32767
//	active_monitoring = true
//	discovery_port = 11000    # 0 disables discovery
//	max_channels = 64         # 0 means unlimited
//	max_message_size = 1048576
//	idle_interval = "100ms"
//	write_timeout = "5s"
type Config struct {
	Listen              string
	Encoding            string
	ReceptionBufferSize int
	ActiveMonitoring    bool
	DiscoveryPort       int
	MaxChannels         int
	MaxMessageSize      int
	IdleInterval        time.Duration
	WriteTimeout        time.Duration
}

type fileConfig struct {
	Listen              string `toml:"listen"`
	Encoding            string `toml:"encoding"`
	ReceptionBufferSize int    `toml:"reception_buffer_size"`
	ActiveMonitoring    bool   `toml:"active_monitoring"`
	DiscoveryPort       int    `toml:"discovery_port"`
	MaxChannels         int    `toml:"max_channels"`
	MaxMessageSize      int    `toml:"max_message_size"`
	IdleInterval        string `toml:"idle_interval"`
	WriteTimeout        string `toml:"write_timeout"`
}

// DefaultConfig returns the configuration a hub runs with when nothing is set.
func DefaultConfig() Config {
	return Config{
		Encoding:            "utf-8",
		ReceptionBufferSize: DefaultReceptionBufferSize,
		DiscoveryPort:       DefaultDiscoveryPort,
		IdleInterval:        defaultIdleInterval,
	}
}

// LoadConfig reads a TOML file. Keys absent from the file keep their DefaultConfig value.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}
	return raw.resolve(meta)
}

// ParseConfig is LoadConfig for TOML held in memory.
func ParseConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return raw.resolve(meta)
}

func (raw fileConfig) resolve(meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, invalidOption("unknown config key %q", undecoded[0].String())
	}

	cfg := DefaultConfig()

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("encoding") {
		cfg.Encoding = strings.TrimSpace(raw.Encoding)
	}
	if meta.IsDefined("reception_buffer_size") {
		cfg.ReceptionBufferSize = raw.ReceptionBufferSize
	}
	if meta.IsDefined("active_monitoring") {
		cfg.ActiveMonitoring = raw.ActiveMonitoring
	}
	if meta.IsDefined("discovery_port") {
		cfg.DiscoveryPort = raw.DiscoveryPort
	}
	if meta.IsDefined("max_channels") {
		cfg.MaxChannels = raw.MaxChannels
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}

	if meta.IsDefined("idle_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleInterval))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse idle_interval")
		}
		cfg.IdleInterval = d
	}

	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse write_timeout")
		}
		cfg.WriteTimeout = d
	}

	return cfg, nil
}

// ListenAddr resolves the listen address.
func (c Config) ListenAddr() (*net.TCPAddr, error) {
	if c.Listen == "" {
		return nil, invalidOption("listen address is required")
	}
	addr, err := net.ResolveTCPAddr("tcp", c.Listen)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidOption, "listen address %q: %v", c.Listen, err)
	}
	return addr, nil
}

// ChannelOptions converts the channel part of the configuration.
func (c Config) ChannelOptions() ([]Option, error) {
	enc, err := EncodingByName(c.Encoding)
	if err != nil {
		return nil, err
	}

	return []Option{
		EncodingOption(enc),
		ReceptionBufferSizeOption(c.ReceptionBufferSize),
		ActiveMonitoringOption(c.ActiveMonitoring),
		MessageMaxSize(c.MaxMessageSize),
		IdleIntervalOption(c.IdleInterval),
		WriteTimeoutOption(c.WriteTimeout),
	}, nil
}

// HubOptions converts the configuration to hub options. Handlers, logger and metrics
// are not file settings and are appended by the caller.
func (c Config) HubOptions() ([]HubOption, error) {
	channelOpts, err := c.ChannelOptions()
	if err != nil {
		return nil, err
	}

	return []HubOption{
		HubChannelOptions(channelOpts...),
		DiscoveryPortOption(c.DiscoveryPort),
		MaxChannelsOption(c.MaxChannels),
	}, nil
}
