// Package config loads the simulator's tunable defaults from a TOML file,
// consolidating constants that the original Python implementation
// scatters across its Port/IPStack/DHCPServer constructors (there is no
// single equivalent file there) into one loadable struct, matching the
// corpus's TOML-driven configuration style.
package config

import (
	"github.com/BurntSushi/toml"

	"github.com/soypat/netsim/device"
	"github.com/soypat/netsim/dhcp"
	"github.com/soypat/netsim/ipstack"
	"github.com/soypat/netsim/netiface"
)

// Config holds every tunable default the simulator's components accept a
// constructor override for. Zero-valued fields fall back to each
// component's own compiled-in default (spec.md's per-component defaults),
// so a partial TOML file is always valid.
type Config struct {
	Network    NetworkConfig    `toml:"network"`
	Switch     SwitchConfig     `toml:"switch"`
	IPStack    IPStackConfig    `toml:"ipstack"`
	DHCPServer DHCPServerConfig `toml:"dhcp_server"`
	DHCPClient DHCPClientConfig `toml:"dhcp_client"`
}

// NetworkConfig tunes interface queue and cable bandwidth defaults.
type NetworkConfig struct {
	QueueLength  int `toml:"queue_length"`
	MaxBandwidth int `toml:"max_bandwidth"`
}

// SwitchConfig tunes the learning switch's CAM table.
type SwitchConfig struct {
	CAMExpirationTicks int `toml:"cam_expiration_ticks"`
	Ports              int `toml:"ports"`
}

// IPStackConfig tunes the IP layer's ARP table and pending-send behavior.
type IPStackConfig struct {
	ARPExpirationTicks int `toml:"arp_expiration_ticks"`
	ARPTimeoutTicks    int `toml:"arp_timeout_ticks"`
}

// DHCPServerConfig tunes lease issuance defaults.
type DHCPServerConfig struct {
	LeaseTimeTicks int `toml:"lease_time_ticks"`
}

// DHCPClientConfig tunes the client's retransmit timer.
type DHCPClientConfig struct {
	RequestTimeoutTicks int `toml:"request_timeout_ticks"`
}

// Default returns the compiled-in defaults, one per component, mirroring
// each package's own Default* constants.
func Default() Config {
	return Config{
		Network: NetworkConfig{
			QueueLength:  netiface.DefaultQueueLength,
			MaxBandwidth: netiface.DefaultMaxBandwidth,
		},
		Switch: SwitchConfig{
			CAMExpirationTicks: device.DefaultCAMExpiration,
			Ports:              device.DefaultSwitchPorts,
		},
		IPStack: IPStackConfig{
			ARPExpirationTicks: ipstack.DefaultARPExpiration,
			ARPTimeoutTicks:    ipstack.DefaultARPTimeout,
		},
		DHCPServer: DHCPServerConfig{
			LeaseTimeTicks: dhcp.DefaultLeaseTime,
		},
		DHCPClient: DHCPClientConfig{
			RequestTimeoutTicks: dhcp.DefaultRequestTimeout,
		},
	}
}

// Load reads a TOML file at path, starting from Default() so any field the
// file omits keeps its compiled-in value.
func Load(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
