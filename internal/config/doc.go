// Package config loads and saves the YAML configuration files of the node
// and coordinator binaries.
package config
