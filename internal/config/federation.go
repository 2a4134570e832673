package config

import (
	"errors"
	"sync"
	"time"

	"github.com/dreamware/docfed/internal/cluster"
	"golang.org/x/exp/slices"
)

// DefaultCoordinatorPort is the federation member's listening port when
// none is given.
const DefaultCoordinatorPort = 8080

// Federation configures a federation member (the coordinator binary).
type Federation struct {
	ID        string   `yaml:"id"`
	Port      int      `yaml:"port"`
	URL       string   `yaml:"url"`
	Bootstrap bool     `yaml:"bootstrap"`
	DataDir   string   `yaml:"data_dir,omitempty"`
	Peers     []string `yaml:"peers,omitempty"`
	LogLevel  string   `yaml:"log_level,omitempty"`
	Timing    Timing   `yaml:"timing,omitempty"`

	// SweepInterval and SilenceThreshold tune the registry health sweep.
	SweepInterval    time.Duration `yaml:"sweep_interval,omitempty"`
	SilenceThreshold time.Duration `yaml:"silence_threshold,omitempty"`

	path string
	mu   sync.Mutex
}

// LoadFederation reads a federation member configuration. A missing file
// yields defaults.
func LoadFederation(path string) (*Federation, error) {
	cfg := &Federation{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// ApplyArgs overrides the file with positional [port] [nodeId] [peerURLs...].
func (c *Federation) ApplyArgs(args []string) error {
	if len(args) > 0 {
		port, err := parsePort(args[0])
		if err != nil {
			return err
		}
		if c.Port != port {
			c.URL = ""
		}
		c.Port = port
	}
	if len(args) > 1 {
		c.ID = args[1]
	}
	if len(args) > 2 {
		c.Peers = c.Peers[:0]
		for _, p := range args[2:] {
			c.Peers = append(c.Peers, normalize(p))
		}
	}
	return nil
}

// SetDefaults fills the id, port and URL when absent and normalizes peers.
func (c *Federation) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultCoordinatorPort
	}
	if c.ID == "" {
		c.ID = defaultID("fed")
	}
	if c.URL == "" {
		c.URL = localURL(c.Port)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	peers := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		if p = normalize(p); p != "" && p != c.URL && !slices.Contains(peers, p) {
			peers = append(peers, p)
		}
	}
	c.Peers = peers
}

// Validate checks the configuration after defaults are applied.
func (c *Federation) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

// Path returns the file the configuration is saved to.
func (c *Federation) Path() string { return c.path }

// Save writes the configuration back to its file. It is a no-op without one.
func (c *Federation) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return nil
	}
	return save(c.path, c)
}

// SavePeers replaces the member list and saves, acting as the federation's
// peer store.
func (c *Federation) SavePeers(peers []string) error {
	c.mu.Lock()
	c.Peers = slices.Clone(peers)
	c.mu.Unlock()
	return c.Save()
}

func normalize(addr string) string { return cluster.NormalizeURL(addr) }
