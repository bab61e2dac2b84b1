package redispool

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

type (
	// Config holds the parameters used to connect to the Redis server. It is
	// typically built from the process environment with FromEnv. A config
	// either points at a single server (Host and Port) or at a sentinel
	// deployment (SentinelHosts and SentinelMaster).
	Config struct {
		// Host is the Redis server host name.
		Host string
		// Port is the Redis server port.
		Port int
		// User is the Redis user name, if any.
		User string
		// Password is the Redis password, if any.
		Password string
		// DB is the Redis database index.
		DB int
		// TLSCAFile is the path to a PEM encoded CA certificate bundle. When
		// set connections are established over TLS.
		TLSCAFile string
		// SentinelHosts lists the sentinel addresses ("host:port").
		SentinelHosts []string
		// SentinelMaster is the name of the sentinel monitored master.
		SentinelMaster string
	}
)

// Environment variables read by FromEnv.
const (
	envHost           = "REDIS_HOST"
	envPort           = "REDIS_PORT"
	envUser           = "REDIS_USER"
	envPassword       = "REDIS_PASSWORD"
	envDB             = "REDIS_DB"
	envTLSCAFile      = "REDIS_TLS_CA_FILE"
	envSentinelHosts  = "REDIS_SENTINEL_HOSTS"
	envSentinelMaster = "REDIS_SENTINEL_MASTER"
)

// FromEnv builds a Config from the process environment. It does not validate
// the result, Validate must be called before use (NewPool does it).
func FromEnv() (Config, error) {
	var cfg Config
	cfg.Host = os.Getenv(envHost)
	cfg.User = os.Getenv(envUser)
	cfg.Password = os.Getenv(envPassword)
	cfg.TLSCAFile = os.Getenv(envTLSCAFile)
	cfg.SentinelMaster = os.Getenv(envSentinelMaster)
	if hosts := os.Getenv(envSentinelHosts); hosts != "" {
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.SentinelHosts = append(cfg.SentinelHosts, h)
			}
		}
	}
	if port := os.Getenv(envPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envPort, port, err)
		}
		cfg.Port = p
	}
	if db := os.Getenv(envDB); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envDB, db, err)
		}
		cfg.DB = d
	}
	return cfg, nil
}

// Validate checks that the mandatory connection parameters are present.
func (cfg Config) Validate() error {
	if len(cfg.SentinelHosts) > 0 {
		if cfg.SentinelMaster == "" {
			return fmt.Errorf("missing %s (required with %s)", envSentinelMaster, envSentinelHosts)
		}
		return nil
	}
	if cfg.Host == "" {
		return fmt.Errorf("missing %s", envHost)
	}
	if cfg.Port == 0 {
		return fmt.Errorf("missing %s", envPort)
	}
	return nil
}

// NewClient constructs a new Redis client from the config. Each call returns
// an independent client with its own connection pool.
func (cfg Config) NewClient() (*redis.Client, error) {
	tlsConfig, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	if len(cfg.SentinelHosts) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelHosts,
			Username:      cfg.User,
			Password:      cfg.Password,
			DB:            cfg.DB,
			TLSConfig:     tlsConfig,
		}), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Username:  cfg.User,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	}), nil
}

// tlsConfig builds the TLS client config from the CA bundle if one is set.
func (cfg Config) tlsConfig() (*tls.Config, error) {
	if cfg.TLSCAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(cfg.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %q: %w", cfg.TLSCAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in CA file %q", cfg.TLSCAFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
