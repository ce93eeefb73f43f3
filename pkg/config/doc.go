// Package config loads the daemon's YAML configuration file: directories,
// listen addresses, the brick server executable, and the RDMA transport
// tunables. Every field has a default so the daemon starts with no file
// at all.
package config
