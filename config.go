package mssql

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AuthKind selects the authentication path a Config uses during LOGIN7
// ("authentication").
type AuthKind int

const (
	AuthSQLPassword AuthKind = iota
	AuthIntegrated
	AuthFederatedAAD
	AuthCertificate
)

// TokenProvider fetches a federated-auth access token for FEDAUTH
// LOGIN7 feature extensions ("federated_aad(token_provider)").
type TokenProvider func() (string, error)

// TLSConfig is the connection's transport-security posture ("tls").
type TLSConfig struct {
	Mode EncryptionMode
	MinVersion uint16 // tls.VersionTLS12, etc; 0 picks the crypto/tls default
	VerifyHostname bool
	TrustRoots *x509.CertPool
	ClientCertFile string
	ClientKeyFile string
}

func (t *TLSConfig) build(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		InsecureSkipVerify: !t.VerifyHostname,
		RootCAs: t.TrustRoots,
		MinVersion: t.MinVersion,
	}
	if t.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, newConfigError("loading client certificate: %s", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// SessionOptions is the configured batch of SET statements sent once
// per connection, right after login. A RESETCONNECTION reset does not
// cause the batch to be sent again.
type SessionOptions struct {
	NoCount bool
	QuotedIdentifier bool
	AnsiNulls bool
	AnsiWarnings bool
	AnsiPadding bool
	ArithAbort bool
	ConcatNullYieldsNull bool
	TransactionIsolationStmt string // empty skips
	AdditionalStatements []string
}

// DefaultSessionOptions returns the client's default SET-options
// batch.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		NoCount: true,
		QuotedIdentifier: true,
		AnsiNulls: true,
		AnsiWarnings: true,
		AnsiPadding: true,
		ArithAbort: true,
		ConcatNullYieldsNull: true,
	}
}

// Statements renders the configured options into the literal SET batch
// text sent after (re)connect.
func (s SessionOptions) Statements() []string {
	set := func(name string, on bool) string {
		v := "OFF"
		if on {
			v = "ON"
		}
		return fmt.Sprintf("SET %s %s", name, v)
	}
	var stmts []string
	if s.NoCount {
		stmts = append(stmts, "SET NOCOUNT ON")
	}
	stmts = append(stmts,
		set("QUOTED_IDENTIFIER", s.QuotedIdentifier),
		set("ANSI_NULLS", s.AnsiNulls),
		set("ANSI_WARNINGS", s.AnsiWarnings),
		set("ANSI_PADDING", s.AnsiPadding),
		set("ARITHABORT", s.ArithAbort),
		set("CONCAT_NULL_YIELDS_NULL", s.ConcatNullYieldsNull),
	)
	if s.TransactionIsolationStmt != "" {
		stmts = append(stmts, s.TransactionIsolationStmt)
	}
	stmts = append(stmts, s.AdditionalStatements...)
	return stmts
}

// PoolConfig configures the bounded connection pool.
type PoolConfig struct {
	MaxConcurrent int
	MinIdle int
	IdleTimeout time.Duration // 0 means never evict for idleness
	ValidationQuery string // empty disables validation
	AcquisitionTimeout time.Duration
}

// RetryConfig configures the pool-boundary retry policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay time.Duration
	MaxDelay time.Duration
	ShouldRetry func(error) bool // nil uses isTransient
}

// ExecutionOptions are per-request advisory hints ("execution_options").
type ExecutionOptions struct {
	Mode string // "auto", "simple", "cursor"
	RowsetFetchSize int
	ProgressThrottle time.Duration
}

// MetadataOptions are forwarded, not interpreted, by the core ("metadata").
type MetadataOptions struct {
	CacheColumns bool
	IncludeRoutineDefinitions bool
	IncludeSystemSchemas bool
}

// Config is the full connector configuration.
type Config struct {
	Host string
	Port int
	Instance string
	TransparentNetworkIPResolution bool

	Database string
	Auth AuthKind
	User string
	Password string
	TokenProvider TokenProvider

	TLS TLSConfig

	Session SessionOptions
	Pool PoolConfig
	Retry RetryConfig
	Metadata MetadataOptions
	Execution ExecutionOptions

	AppName string
	PacketSize uint32

	ColumnEncryption AlwaysEncryptedSettings

	ConnectTimeout time.Duration
	LoginTimeout time.Duration
	RequestTimeout time.Duration

	Logger optionalLogger
	LogFlags logFlags
}

// DefaultConfig returns a Config with sensible defaults ready for DSN
// overrides.
func DefaultConfig() *Config {
	return &Config{
		Port: 1433,
		PacketSize: defaultPacketSize,
		AppName: "go-mssql",
		Session: DefaultSessionOptions(),
		Pool: PoolConfig{
			MaxConcurrent: 100,
			MinIdle: 0,
			AcquisitionTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay: 100 * time.Millisecond,
			MaxDelay: 5 * time.Second,
		},
		ConnectTimeout: 15 * time.Second,
		LoginTimeout: 30 * time.Second,
		RequestTimeout: 0,
		LogFlags: logErrors,
	}
}

// Parse accepts either an ADO-style "key=value;key=value" connection
// string or a "sqlserver://" URL.
func Parse(dsn string) (*Config, error) {
	if strings.HasPrefix(dsn, "sqlserver://") {
		return parseURL(dsn)
	}
	return parseADO(dsn)
}

func parseURL(dsn string) (*Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, newConfigError("parsing sqlserver:// dsn: %s", err)
	}
	cfg := DefaultConfig()
	cfg.Host = u.Hostname()
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, newConfigError("invalid port %q", p)
		}
		cfg.Port = port
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
		if cfg.User != "" {
			cfg.Auth = AuthSQLPassword
		}
	}
	q := u.Query()
	applyQueryParams(cfg, q)
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		cfg.Database = db
	}
	return cfg, nil
}

func parseADO(dsn string) (*Config, error) {
	cfg := DefaultConfig()
	q := url.Values{}
	for _, kv := range strings.Split(dsn, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, newConfigError("malformed connection string segment %q", kv)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		switch key {
		case "server", "host", "data source", "addr", "address":
			host := val
			if i := strings.IndexByte(host, ','); i >= 0 {
				q.Set("port", host[i+1:])
				host = host[:i]
			}
			cfg.Host = host
		case "port":
			q.Set("port", val)
		case "database", "initial catalog":
			cfg.Database = val
		case "user id", "uid", "user":
			cfg.User = val
			cfg.Auth = AuthSQLPassword
		case "password", "pwd":
			cfg.Password = val
		case "app name", "application name":
			cfg.AppName = val
		case "instance", "instance name":
			cfg.Instance = val
		default:
			q.Set(key, val)
		}
	}
	applyQueryParams(cfg, q)
	return cfg, nil
}

func applyQueryParams(cfg *Config, q url.Values) {
	if v := q.Get("port"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := q.Get("database"); v != "" {
		cfg.Database = v
	}
	if v := q.Get("packet size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PacketSize = uint32(n)
		}
	}
	if v := q.Get("encrypt"); v != "" {
		switch strings.ToLower(v) {
		case "true", "yes", "required", "mandatory":
			cfg.TLS.Mode = EncryptRequired
		case "false", "no", "disable", "disabled":
			cfg.TLS.Mode = EncryptDisabled
		case "strict":
			cfg.TLS.Mode = EncryptStrict
		default:
			cfg.TLS.Mode = EncryptDefault
		}
	}
	if v := q.Get("trustservercertificate"); v != "" {
		cfg.TLS.VerifyHostname = !strings.EqualFold(v, "true")
	}
	if v := q.Get("connection timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnectTimeout = time.Duration(n) * time.Second
		}
	}
	if v := q.Get("log"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.LogFlags = logFlags(n)
		}
	}
}
