package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RDMA holds the transport tunables.
type RDMA struct {
	DeviceName string `yaml:"device-name"`
	SendCount  int    `yaml:"send-count"`
	RecvCount  int    `yaml:"recv-count"`
	SendSize   int    `yaml:"send-size"`
	RecvSize   int    `yaml:"recv-size"`
	MTU        int    `yaml:"mtu"`
}

// Config is the daemon configuration.
type Config struct {
	WorkDir         string `yaml:"work-dir"`
	TmpDir          string `yaml:"tmp-dir"`
	LogDir          string `yaml:"log-dir"`
	FilterDir       string `yaml:"filter-dir"`
	Hostname        string `yaml:"hostname"`
	ListenAddr      string `yaml:"listen-addr"`
	MetricsAddr     string `yaml:"metrics-addr"`
	BrickExecutable string `yaml:"brick-executable"`
	RPCPort         int    `yaml:"rpc-port"`
	RDMA            RDMA   `yaml:"rdma"`
}

// Default returns the configuration the daemon runs with when no file
// overrides it.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		WorkDir:         "/var/lib/brickd",
		TmpDir:          "/tmp",
		LogDir:          "/var/log/brickd",
		FilterDir:       "/var/lib/brickd/filters",
		Hostname:        hostname,
		ListenAddr:      ":24007",
		MetricsAddr:     ":9420",
		BrickExecutable: "/usr/sbin/brickfsd",
		RPCPort:         24007,
		RDMA: RDMA{
			DeviceName: "mthca0",
			SendCount:  64,
			RecvCount:  64,
			SendSize:   128 * 1024,
			RecvSize:   128 * 1024,
			MTU:        2048,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
