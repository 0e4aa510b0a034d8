package ldap

import (
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Default ports for plain and TLS-wrapped LDAP.
const (
	DefaultPort    = 389
	DefaultTLSPort = 636
)

// InfoPolicy selects what a Connection reads from the server after binding.
type InfoPolicy int

const (
	InfoNone InfoPolicy = iota // Never read the root DSE
	InfoDSA                    // Read the root DSE after bind and StartTLS
)

// Server describes one directory server. It is treated as immutable once
// validated; Connections never modify it.
type Server struct {
	Host      string
	Port      int
	UseTLS    bool        // Wrap the transport in TLS from the start (ldaps)
	TLSConfig *tls.Config // Used for ldaps and StartTLS; nil selects a TLS 1.2+ default

	// AllowedReferralHosts lists hosts whose referrals may be followed.
	// A single "*" entry allows any host.
	AllowedReferralHosts []string

	GetInfo InfoPolicy

	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// NewServer builds a validated server descriptor. A zero port selects the
// default port for the TLS mode.
func NewServer(host string, port int, useTLS bool) (*Server, error) {
	if port == 0 {
		port = defaultPort(useTLS)
	}
	server := &Server{
		Host:   host,
		Port:   port,
		UseTLS: useTLS,
		Weight: 100,
		Source: "config",
	}
	if err := server.Validate(); err != nil {
		return nil, err
	}
	return server, nil
}

// ParseServerURL parses an ldap:// or ldaps:// URL into a server descriptor.
func ParseServerURL(rawURL string) (*Server, error) {
	if rawURL == "" {
		return nil, newConfigurationError("parse_url", fmt.Errorf("%w: URL cannot be empty", ErrInvalidServer))
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, newConfigurationError("parse_url", fmt.Errorf("%w: %w", ErrInvalidServer, err))
	}

	var useTLS bool
	switch strings.ToLower(parsed.Scheme) {
	case "ldaps":
		useTLS = true
	case "ldap":
		useTLS = false
	default:
		return nil, newConfigurationError("parse_url",
			fmt.Errorf("%w: unsupported scheme %q, must be ldap:// or ldaps://", ErrInvalidServer, parsed.Scheme))
	}

	port := 0
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, newConfigurationError("parse_url", fmt.Errorf("%w: invalid port number: %s", ErrInvalidServer, p))
		}
	}

	return NewServer(parsed.Hostname(), port, useTLS)
}

// Validate checks the descriptor. It performs no I/O.
func (s *Server) Validate() error {
	if s == nil {
		return newConfigurationError("validate_server", fmt.Errorf("%w: server cannot be nil", ErrInvalidServer))
	}

	if s.Host == "" {
		return newConfigurationError("validate_server", fmt.Errorf("%w: server host cannot be empty", ErrInvalidServer))
	}

	if strings.ContainsAny(s.Host, "/ ") {
		return newConfigurationError("validate_server", fmt.Errorf("%w: invalid host %q", ErrInvalidServer, s.Host))
	}

	if s.Port <= 0 || s.Port > 65535 {
		return newConfigurationError("validate_server", fmt.Errorf("%w: invalid port number: %d", ErrInvalidServer, s.Port))
	}

	if s.Priority < 0 {
		return newConfigurationError("validate_server", fmt.Errorf("%w: priority cannot be negative: %d", ErrInvalidServer, s.Priority))
	}

	if s.Weight < 0 {
		return newConfigurationError("validate_server", fmt.Errorf("%w: weight cannot be negative: %d", ErrInvalidServer, s.Weight))
	}

	return nil
}

// IsValid reports whether Validate succeeds.
func (s *Server) IsValid() bool {
	return s.Validate() == nil
}

// Address returns the host:port dial address.
func (s *Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the server as an LDAP URL.
func (s *Server) URL() string {
	scheme := "ldap"
	if s.UseTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, s.Address())
}

func (s *Server) String() string {
	return s.URL()
}

// tlsConfig returns the TLS configuration for this server with ServerName set.
func (s *Server) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if s.TLSConfig != nil {
		cfg = s.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = s.Host
	}
	return cfg
}

// AllowsReferral reports whether a referral URL points at an allowed host.
func (s *Server) AllowsReferral(referral string) bool {
	if len(s.AllowedReferralHosts) == 0 {
		return false
	}

	parsed, err := url.Parse(referral)
	if err != nil || parsed.Hostname() == "" {
		return false
	}

	host := strings.ToLower(parsed.Hostname())
	for _, allowed := range s.AllowedReferralHosts {
		if allowed == "*" || strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

func defaultPort(useTLS bool) int {
	if useTLS {
		return DefaultTLSPort
	}
	return DefaultPort
}

// PoolingStrategy selects the next server from a ServerPool.
type PoolingStrategy int

const (
	PoolRoundRobin PoolingStrategy = iota
	PoolFirst
	PoolRandom
)

// String returns string representation of the pooling strategy.
func (p PoolingStrategy) String() string {
	switch p {
	case PoolRoundRobin:
		return "round_robin"
	case PoolFirst:
		return "first"
	case PoolRandom:
		return "random"
	default:
		return "unknown"
	}
}

// ServerPool is an ordered set of validated servers with a selection cursor.
type ServerPool struct {
	mu       sync.Mutex // guards cursor
	servers  []*Server
	strategy PoolingStrategy
	cursor   int
}

// NewServerPool validates every server and returns a round-robin pool.
func NewServerPool(servers ...*Server) (*ServerPool, error) {
	return NewServerPoolWithStrategy(PoolRoundRobin, servers...)
}

// NewServerPoolWithStrategy validates every server and returns a pool using
// the given selection strategy.
func NewServerPoolWithStrategy(strategy PoolingStrategy, servers ...*Server) (*ServerPool, error) {
	if len(servers) == 0 {
		return nil, newConfigurationError("server_pool", fmt.Errorf("%w: server pool cannot be empty", ErrInvalidServer))
	}

	for i, server := range servers {
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("server %d: %w", i, err)
		}
	}

	if strategy < PoolRoundRobin || strategy > PoolRandom {
		return nil, newConfigurationError("server_pool", fmt.Errorf("unknown pooling strategy: %d", strategy))
	}

	return &ServerPool{
		servers:  slices.Clone(servers),
		strategy: strategy,
	}, nil
}

// Next returns the server to use for the next connection attempt.
func (p *ServerPool) Next() *Server {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.strategy {
	case PoolFirst:
		return p.servers[0]
	case PoolRandom:
		return p.servers[rand.IntN(len(p.servers))]
	default:
		server := p.servers[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.servers)
		return server
	}
}

// Len returns the number of servers in the pool.
func (p *ServerPool) Len() int {
	return len(p.servers)
}

// Servers returns a copy of the pool members in order.
func (p *ServerPool) Servers() []*Server {
	return slices.Clone(p.servers)
}
