package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cert-ee/cuckoonode/pkg/machinery/backends/containerd"
)

// machinesConfig is the on-disk shape of the --machines-config file: the
// statically-configured machine pool a containerd backend drives.
type machinesConfig struct {
	ContainerdSocket string              `json:"containerd_socket"`
	Machines         []containerd.Config `json:"machines"`
	IgnoreRoutes     []ignoreRouteConfig `json:"netcapture_ignore_routes"`
}

type ignoreRouteConfig struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func loadMachinesConfig(path string) (machinesConfig, error) {
	var cfg machinesConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read machines config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse machines config: %w", err)
	}
	return cfg, nil
}
