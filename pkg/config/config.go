// Package config provides configuration for the array store client and the
// reference server.
//
// Values are layered, later sources overriding earlier ones:
//  1. Default values
//  2. A config file, YAML (.yaml, .yml) or TOML (.toml)
//  3. Environment variables prefixed with "ARRAYSTORE_"
//  4. Command-line flags (server only)
//
// Example server usage:
//
//	cfg, err := config.LoadServerConfig(os.Args[1:])
//	if err != nil {
//		log.Fatal(err)
//	}
//	st, err := store.Open(cfg.StoragePath)
//	if err != nil {
//		log.Fatal(err)
//	}
//	srv, err := server.New(cfg, st, logger)
//
// Example client usage:
//
//	cfg, err := config.LoadClientConfig("client.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	c, err := client.NewWithConfig(cfg)
//
// For example, the server port can be set with ARRAYSTORE_PORT=6379 and the
// client codec with ARRAYSTORE_CODEC=compact.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cachemir/arraystore/pkg/codec"
)

// Default configuration values.
const (
	DefaultServerPort      = 6379
	DefaultServerHost      = "0.0.0.0"
	DefaultClientAddress   = "localhost:6379"
	DefaultMaxConnections  = 1000
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultDialTimeout     = 5 * time.Second
	DefaultIdleTimeout     = 0 // never drop idle connections
	DefaultVirtualNodes    = 150
	DefaultMaxPayloadBytes = 512 << 20
	DefaultStoreCommand    = "NP.SET"
	DefaultFetchCommand    = "NP.GET"
	DefaultCodec           = codec.NPYName
	DefaultLogLevel        = "info"

	// EnvPrefix prefixes every environment variable the package reads.
	EnvPrefix = "ARRAYSTORE_"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// ServerConfig holds the options of a reference server instance.
//
// Example:
//
//	cfg := config.DefaultServerConfig()
//	cfg.Port = 7000
//	cfg.StoragePath = "/var/lib/arraystore/arrays.db"
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
type ServerConfig struct {
	Host            string        `yaml:"host" toml:"host"`                           // bind address (default: "0.0.0.0")
	Port            int           `yaml:"port" toml:"port"`                           // TCP port (default: 6379)
	MaxConns        int           `yaml:"max_conns" toml:"max_conns"`                 // concurrent connection cap (default: 1000)
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`           // time allowed to read a request once it has started
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`           // idle time allowed between requests; 0 disables
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`         // time allowed to write one reply
	LogLevel        string        `yaml:"log_level" toml:"log_level"`                 // debug, info, warn, error
	StoragePath     string        `yaml:"storage_path" toml:"storage_path"`           // SQLite file; empty keeps payloads in memory
	StoreCommand    string        `yaml:"store_command" toml:"store_command"`         // default: NP.SET
	FetchCommand    string        `yaml:"fetch_command" toml:"fetch_command"`         // default: NP.GET
	MaxPayloadBytes int64         `yaml:"max_payload_bytes" toml:"max_payload_bytes"` // largest accepted bulk argument
}

// ClientConfig holds the options of a client. Address names the single
// node a Client talks to; Nodes, when set, is the node list a Cluster
// spreads keys over.
//
// Example:
//
//	cfg := config.DefaultClientConfig()
//	cfg.Address = "10.0.0.5:6379"
//	cfg.Codec = "compact"
type ClientConfig struct {
	Address         string        `yaml:"address" toml:"address"`
	Nodes           []string      `yaml:"nodes" toml:"nodes"`
	Codec           string        `yaml:"codec" toml:"codec"` // npy or compact
	StoreCommand    string        `yaml:"store_command" toml:"store_command"`
	FetchCommand    string        `yaml:"fetch_command" toml:"fetch_command"`
	DialTimeout     time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
	VirtualNodes    int           `yaml:"virtual_nodes" toml:"virtual_nodes"`
}

// DefaultServerConfig returns a ServerConfig populated with defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            DefaultServerHost,
		Port:            DefaultServerPort,
		MaxConns:        DefaultMaxConnections,
		ReadTimeout:     DefaultReadTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		LogLevel:        DefaultLogLevel,
		StoreCommand:    DefaultStoreCommand,
		FetchCommand:    DefaultFetchCommand,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

// DefaultClientConfig returns a ClientConfig populated with defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Address:         DefaultClientAddress,
		Codec:           DefaultCodec,
		StoreCommand:    DefaultStoreCommand,
		FetchCommand:    DefaultFetchCommand,
		DialTimeout:     DefaultDialTimeout,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		VirtualNodes:    DefaultVirtualNodes,
	}
}

// LoadServerConfig builds a ServerConfig from defaults, the file named by
// -config or ARRAYSTORE_CONFIG, ARRAYSTORE_* variables and finally the
// command-line flags in args. The result is validated.
//
// Command-line flags:
//
//	-config: YAML or TOML config file
//	-host, -port, -max-conns
//	-read-timeout, -write-timeout (durations such as 30s)
//	-idle-timeout: drop connections idle this long (0 never drops)
//	-log-level: debug, info, warn, error
//	-storage: SQLite database path (empty keeps payloads in memory)
//	-store-command, -fetch-command
//	-max-payload: largest accepted payload in bytes
func LoadServerConfig(args []string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	fs := flag.NewFlagSet("arraystore-server", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(EnvPrefix+"CONFIG"), "YAML or TOML config file")
	host := fs.String("host", "", "Server host")
	port := fs.Int("port", 0, "Server port")
	maxConns := fs.Int("max-conns", 0, "Maximum concurrent connections")
	readTimeout := fs.Duration("read-timeout", 0, "Time allowed to read one request")
	idleTimeout := fs.Duration("idle-timeout", 0, "Idle time before a connection is dropped (0 never)")
	writeTimeout := fs.Duration("write-timeout", 0, "Reply write timeout")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	storage := fs.String("storage", "", "SQLite database path")
	storeCmd := fs.String("store-command", "", "Command that stores a payload")
	fetchCmd := fs.String("fetch-command", "", "Command that fetches a payload")
	maxPayload := fs.Int64("max-payload", 0, "Largest accepted payload in bytes")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := loadFile(*configPath, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Only flags given on the command line override.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "max-conns":
			cfg.MaxConns = *maxConns
		case "read-timeout":
			cfg.ReadTimeout = *readTimeout
		case "idle-timeout":
			cfg.IdleTimeout = *idleTimeout
		case "write-timeout":
			cfg.WriteTimeout = *writeTimeout
		case "log-level":
			cfg.LogLevel = *logLevel
		case "storage":
			cfg.StoragePath = *storage
		case "store-command":
			cfg.StoreCommand = *storeCmd
		case "fetch-command":
			cfg.FetchCommand = *fetchCmd
		case "max-payload":
			cfg.MaxPayloadBytes = *maxPayload
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig builds a ClientConfig from defaults, the optional file
// at path and ARRAYSTORE_* variables. The result is validated.
//
// Environment variables:
//
//	ARRAYSTORE_ADDRESS: server address, host:port
//	ARRAYSTORE_NODES: comma-separated node addresses for a cluster
//	ARRAYSTORE_CODEC: npy or compact
//	ARRAYSTORE_STORE_COMMAND, ARRAYSTORE_FETCH_COMMAND
//	ARRAYSTORE_DIAL_TIMEOUT, ARRAYSTORE_READ_TIMEOUT, ARRAYSTORE_WRITE_TIMEOUT
//	ARRAYSTORE_MAX_PAYLOAD_BYTES, ARRAYSTORE_VIRTUAL_NODES
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes path into out, choosing the format by extension. Keys
// absent from the file keep the values already in out.
func loadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	case ".toml":
		_, err = toml.Decode(string(data), out)
	default:
		return fmt.Errorf("config load failed (%s): unsupported file extension", path)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func (c *ServerConfig) applyEnv() error {
	e := envReader{}
	e.strVar("HOST", &c.Host)
	e.intVar("PORT", &c.Port)
	e.intVar("MAX_CONNS", &c.MaxConns)
	e.durationVar("READ_TIMEOUT", &c.ReadTimeout)
	e.durationVar("IDLE_TIMEOUT", &c.IdleTimeout)
	e.durationVar("WRITE_TIMEOUT", &c.WriteTimeout)
	e.strVar("LOG_LEVEL", &c.LogLevel)
	e.strVar("STORAGE_PATH", &c.StoragePath)
	e.strVar("STORE_COMMAND", &c.StoreCommand)
	e.strVar("FETCH_COMMAND", &c.FetchCommand)
	e.int64Var("MAX_PAYLOAD_BYTES", &c.MaxPayloadBytes)
	return e.err
}

func (c *ClientConfig) applyEnv() error {
	e := envReader{}
	e.strVar("ADDRESS", &c.Address)
	e.listVar("NODES", &c.Nodes)
	e.strVar("CODEC", &c.Codec)
	e.strVar("STORE_COMMAND", &c.StoreCommand)
	e.strVar("FETCH_COMMAND", &c.FetchCommand)
	e.durationVar("DIAL_TIMEOUT", &c.DialTimeout)
	e.durationVar("READ_TIMEOUT", &c.ReadTimeout)
	e.durationVar("WRITE_TIMEOUT", &c.WriteTimeout)
	e.int64Var("MAX_PAYLOAD_BYTES", &c.MaxPayloadBytes)
	e.intVar("VIRTUAL_NODES", &c.VirtualNodes)
	return e.err
}

// envReader applies ARRAYSTORE_* variables and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, name, v, err)
	}
}

func (e *envReader) strVar(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) listVar(name string, dst *[]string) {
	if v, ok := e.lookup(name); ok {
		*dst = splitList(v)
	}
}

func (e *envReader) intVar(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

// durationVar accepts Go durations ("5s", "250ms") or a bare number of seconds.
func (e *envReader) durationVar(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = d
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Address returns the host:port the server binds to.
//
// Example:
//
//	cfg := &ServerConfig{Host: "0.0.0.0", Port: 6379}
//	addr := cfg.Address() // "0.0.0.0:6379"
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks ranges and required values.
//
// Validation rules:
//   - Port must be between 0 and 65535 (0 picks a free port)
//   - MaxConns, timeouts and MaxPayloadBytes must be positive
//   - LogLevel must be one of: debug, info, warn, error
//   - StoreCommand and FetchCommand must be non-empty and distinct
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("%w: max connections must be positive: %d", ErrInvalidConfig, c.MaxConns)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive: %s", ErrInvalidConfig, c.ReadTimeout)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle timeout must not be negative: %s", ErrInvalidConfig, c.IdleTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write timeout must be positive: %s", ErrInvalidConfig, c.WriteTimeout)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("%w: invalid log level: %s", ErrInvalidConfig, c.LogLevel)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("%w: max payload bytes must be positive: %d", ErrInvalidConfig, c.MaxPayloadBytes)
	}
	return validateCommands(c.StoreCommand, c.FetchCommand)
}

// Validate checks ranges and required values.
//
// Validation rules:
//   - Address, and every entry of Nodes, must be in host:port form
//   - Codec must be "npy" or "compact"
//   - StoreCommand and FetchCommand must be non-empty and distinct
//   - timeouts, MaxPayloadBytes and VirtualNodes must be positive
func (c *ClientConfig) Validate() error {
	if len(c.Nodes) == 0 {
		if err := validateAddress(c.Address); err != nil {
			return err
		}
	}
	for _, node := range c.Nodes {
		if err := validateAddress(node); err != nil {
			return err
		}
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validateCommands(c.StoreCommand, c.FetchCommand); err != nil {
		return err
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("%w: dial timeout must be positive: %s", ErrInvalidConfig, c.DialTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive: %s", ErrInvalidConfig, c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write timeout must be positive: %s", ErrInvalidConfig, c.WriteTimeout)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("%w: max payload bytes must be positive: %d", ErrInvalidConfig, c.MaxPayloadBytes)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("%w: virtual nodes must be positive: %d", ErrInvalidConfig, c.VirtualNodes)
	}
	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty node address", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: invalid node address format: %s", ErrInvalidConfig, addr)
	}
	return nil
}

func validateCommands(store, fetch string) error {
	if strings.TrimSpace(store) == "" || strings.ContainsAny(store, " \r\n") {
		return fmt.Errorf("%w: invalid store command: %q", ErrInvalidConfig, store)
	}
	if strings.TrimSpace(fetch) == "" || strings.ContainsAny(fetch, " \r\n") {
		return fmt.Errorf("%w: invalid fetch command: %q", ErrInvalidConfig, fetch)
	}
	if strings.EqualFold(store, fetch) {
		return fmt.Errorf("%w: store and fetch commands must differ: %q", ErrInvalidConfig, store)
	}
	return nil
}
