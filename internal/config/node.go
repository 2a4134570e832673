package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// DefaultNodePort is the cluster node's listening port when none is given.
const DefaultNodePort = 9001

// Node configures a database cluster node.
type Node struct {
	ID         string            `yaml:"id"`
	Port       int               `yaml:"port"`
	URL        string            `yaml:"url"`
	Bootstrap  bool              `yaml:"bootstrap"`
	DataDir    string            `yaml:"data_dir,omitempty"`
	Peers      map[string]string `yaml:"peers,omitempty"`
	Federation string            `yaml:"federation,omitempty"`
	LogLevel   string            `yaml:"log_level,omitempty"`
	Timing     Timing            `yaml:"timing,omitempty"`

	path string
	mu   sync.Mutex
}

// LoadNode reads a node configuration. A missing file yields defaults that
// are written on the first Save.
func LoadNode(path string) (*Node, error) {
	cfg := &Node{path: path}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// ApplyArgs overrides the file with positional [port] [nodeId] [peers...].
// Peers are "id=url" pairs; a bare URL uses its host:port as the id.
func (c *Node) ApplyArgs(args []string) error {
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
		c.Peers = make(map[string]string, len(args)-2)
		for _, arg := range args[2:] {
			id, u, err := parseNodePeer(arg)
			if err != nil {
				return err
			}
			c.Peers[id] = u
		}
	}
	return nil
}

func parseNodePeer(arg string) (id, addr string, err error) {
	if i := strings.Index(arg, "="); i > 0 {
		id, addr = arg[:i], arg[i+1:]
	} else {
		addr = arg
	}
	if addr == "" {
		return "", "", fmt.Errorf("invalid peer %q", arg)
	}
	if id == "" {
		u, perr := url.Parse(normalize(addr))
		if perr != nil || u.Host == "" {
			return "", "", fmt.Errorf("invalid peer %q", arg)
		}
		id = u.Host
	}
	return id, normalize(addr), nil
}

// SetDefaults fills the id, port and URL when absent.
func (c *Node) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultNodePort
	}
	if c.ID == "" {
		c.ID = defaultID("node")
	}
	if c.URL == "" {
		c.URL = localURL(c.Port)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Peers == nil {
		c.Peers = make(map[string]string)
	}
	for id, u := range c.Peers {
		c.Peers[id] = normalize(u)
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Node) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if _, ok := c.Peers[c.ID]; ok {
		return fmt.Errorf("peers must not include the node itself (%s)", c.ID)
	}
	return nil
}

// Path returns the file the configuration is saved to.
func (c *Node) Path() string { return c.path }

// Save writes the configuration back to its file. It is a no-op without one.
func (c *Node) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return nil
	}
	return save(c.path, c)
}

// SavePeers replaces the peer map and saves. It lets the configuration act
// as the cluster's membership store.
func (c *Node) SavePeers(peers map[string]string) error {
	c.mu.Lock()
	c.Peers = make(map[string]string, len(peers))
	for id, u := range peers {
		c.Peers[id] = u
	}
	c.mu.Unlock()
	return c.Save()
}
