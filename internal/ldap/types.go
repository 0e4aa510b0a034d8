package ldap

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
)

// MaxPoolSize is the upper bound accepted for ConnectionConfig.PoolSize.
const MaxPoolSize = 100

// ConnectionConfig holds configuration for a Connection.
type ConnectionConfig struct {
	// Strategy settings
	Strategy     StrategyType `default:"sync"` // How operations are executed
	RestartInner StrategyType `default:"sync"` // Strategy wrapped by the restartable decorator

	// Authentication settings
	Authentication  AuthMethod      // Zero value resolves from the credentials present
	User            string          // Bind DN for simple authentication
	Password        string          // Password for simple authentication
	SASLMechanism   string          // Mechanism name when Authentication is AuthSASL
	SASLCredentials SASLCredentials // Credentials handed to the SASL mechanism

	// Lifecycle settings
	AutoBind     bool // Open and bind from NewConnection
	Lazy         bool // Open on first operation instead of requiring Open or Bind
	CollectUsage bool // Maintain UsageCounters for the connection

	// Timeouts
	Timeout         time.Duration `default:"30s"` // Transport connect timeout
	ResponseTimeout time.Duration // Default wait for a response, zero waits indefinitely

	// Retry settings (restartable strategy)
	MaxRetries     int           `default:"3"`     // Maximum restart attempts per operation
	InitialBackoff time.Duration `default:"500ms"` // Initial backoff between full passes over the pool
	MaxBackoff     time.Duration `default:"30s"`   // Maximum backoff duration
	BackoffFactor  float64       `default:"2.0"`   // Backoff multiplication factor

	// Pool settings (pooled strategy)
	PoolSize    int           `default:"10"` // Number of bound member connections
	PoolTimeout time.Duration // Acquisition timeout, zero blocks until a member is free
	HealthCheck time.Duration // Idle member probe interval, zero disables probing

	// Dialer and Codec replace the TCP transport and the BER codec.
	Dialer DialFunc
	Codec  Codec
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *ConnectionConfig {
	cfg := &ConnectionConfig{}
	defaults.MustSet(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields from their default tags.
func (c *ConnectionConfig) ApplyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("applying configuration defaults: %w", err)
	}
	return nil
}

// Validate reports configuration errors without performing any I/O.
func (c *ConnectionConfig) Validate() error {
	if !c.Strategy.valid() {
		return newConfigurationError("validate", fmt.Errorf("%w: %d", ErrUnknownStrategy, c.Strategy))
	}

	if c.RestartInner != StrategySync && c.RestartInner != StrategyAsync {
		return newConfigurationError("validate",
			fmt.Errorf("%w: restartable strategy cannot wrap %s", ErrUnknownStrategy, c.RestartInner))
	}

	if !c.Authentication.valid() {
		return newConfigurationError("validate", fmt.Errorf("%w: %d", ErrUnknownAuthentication, c.Authentication))
	}

	if c.ResolveAuthentication() == AuthSASL && c.SASLMechanism == "" {
		return newConfigurationError("validate", fmt.Errorf("%w: no mechanism configured", ErrUnsupportedMechanism))
	}

	if c.ResolveAuthentication() == AuthSimple && c.User == "" {
		return newConfigurationError("validate", fmt.Errorf("%w: simple bind requires a user", ErrUnknownAuthentication))
	}

	if c.Timeout < 0 || c.ResponseTimeout < 0 || c.PoolTimeout < 0 || c.HealthCheck < 0 {
		return newConfigurationError("validate", fmt.Errorf("timeouts cannot be negative"))
	}

	if c.MaxRetries < 0 {
		return newConfigurationError("validate", fmt.Errorf("max retries cannot be negative: %d", c.MaxRetries))
	}

	if c.BackoffFactor < 1 {
		return newConfigurationError("validate", fmt.Errorf("backoff factor must be at least 1: %g", c.BackoffFactor))
	}

	if c.Strategy == StrategyPooled && (c.PoolSize <= 0 || c.PoolSize > MaxPoolSize) {
		return newConfigurationError("validate",
			fmt.Errorf("pool size must be between 1 and %d: %d", MaxPoolSize, c.PoolSize))
	}

	return nil
}

// ResolveAuthentication returns the effective authentication method.
// An unset method selects simple bind when both user and password are
// present, SASL when a mechanism is named, and anonymous otherwise.
func (c *ConnectionConfig) ResolveAuthentication() AuthMethod {
	if c.Authentication != AuthDefault {
		return c.Authentication
	}

	switch {
	case c.User != "" && c.Password != "":
		return AuthSimple
	case c.SASLMechanism != "":
		return AuthSASL
	default:
		return AuthAnonymous
	}
}

// StrategyType selects how a Connection executes operations.
type StrategyType int

const (
	StrategySync        StrategyType = iota // Caller performs I/O and blocks for its response
	StrategyAsync                           // Background receiver correlates responses by message id
	StrategyRestartable                     // Reconnects to the next pool server on transport failure
	StrategyPooled                          // Fixed set of bound connections shared by callers
)

// String returns string representation of the strategy.
func (s StrategyType) String() string {
	switch s {
	case StrategySync:
		return "sync"
	case StrategyAsync:
		return "async"
	case StrategyRestartable:
		return "restartable"
	case StrategyPooled:
		return "pooled"
	default:
		return "unknown"
	}
}

func (s StrategyType) valid() bool {
	return s >= StrategySync && s <= StrategyPooled
}

// ParseStrategyType maps a strategy name to its StrategyType.
func ParseStrategyType(name string) (StrategyType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sync", "synchronous":
		return StrategySync, nil
	case "async", "asynchronous", "async_threaded":
		return StrategyAsync, nil
	case "restartable", "sync_restartable":
		return StrategyRestartable, nil
	case "pooled", "pool", "reusable":
		return StrategyPooled, nil
	default:
		return 0, newConfigurationError("parse_strategy", fmt.Errorf("%w: %q", ErrUnknownStrategy, name))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StrategyType) UnmarshalText(text []byte) error {
	v, err := ParseStrategyType(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthDefault   AuthMethod = iota // Resolved from the configured credentials
	AuthAnonymous                   // Bind with empty name and password
	AuthSimple                      // Bind DN and password
	AuthSASL                        // SASL mechanism negotiation
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthDefault:
		return "default"
	case AuthAnonymous:
		return "anonymous"
	case AuthSimple:
		return "simple"
	case AuthSASL:
		return "sasl"
	default:
		return "unknown"
	}
}

func (a AuthMethod) valid() bool {
	return a >= AuthDefault && a <= AuthSASL
}

// ParseAuthMethod maps an authentication name to its AuthMethod.
func ParseAuthMethod(name string) (AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return AuthDefault, nil
	case "anonymous":
		return AuthAnonymous, nil
	case "simple":
		return AuthSimple, nil
	case "sasl":
		return AuthSASL, nil
	default:
		return 0, newConfigurationError("parse_authentication", fmt.Errorf("%w: %q", ErrUnknownAuthentication, name))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AuthMethod) UnmarshalText(text []byte) error {
	v, err := ParseAuthMethod(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// SASLCredentials carries the identity material a SASL mechanism may use.
type SASLCredentials struct {
	Username string
	Password string
	Realm    string
	AuthzID  string // Optional authorization identity
}

// PoolStats provides statistics about a pooled strategy.
type PoolStats struct {
	Total     int           // Total member connections
	Active    int64         // Members currently executing an operation
	Idle      int           // Members waiting for work
	Unhealthy int           // Members marked for reopening
	Created   int64         // Member connections opened
	Errors    int64         // Member open or operation failures
	Uptime    time.Duration // Time since the pool was opened
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents transport-level failures.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
