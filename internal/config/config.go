// Package config loads the runtime's process configuration from an
// optional .env file and EDGE_RUNTIME_* environment variables. Command-line
// flags are applied on top by the caller.
package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/cryguy/edgeruntime/internal/core"
	"github.com/cryguy/edgeruntime/internal/pool"
)

// EnvPrefix starts every variable read by Load.
const EnvPrefix = "EDGE_RUNTIME_"

// MaxParallelismCeiling bounds --max-parallelism.
const MaxParallelismCeiling = 9999

// Unbounded is the MaxParallelism of a pool without a worker ceiling. It is
// the default; an explicit value must lie in [1, MaxParallelismCeiling].
const Unbounded = -1

// Config holds everything `start` needs.
type Config struct {
	IP   string
	Port int

	MainServicePath    string
	EventWorkerPath    string
	ImportMapPath      string
	ModuleCachePath    string
	DisableModuleCache bool

	Policy             string
	MaxParallelism     int
	RequestWaitTimeout time.Duration

	// Defaults for user workers that leave a limit unset.
	UserMemoryMB        int
	UserCPUSoft         time.Duration
	UserCPUHard         time.Duration
	UserWallClock       time.Duration
	LowMemoryMultiplier float64
	// MainMemoryMB caps the main and event workers. Zero means unlimited.
	MainMemoryMB int

	BlockPrivateNetwork bool
	TLSCAStore          string
	TLSCAFile           string

	MetricsAddr   string
	NATSURL       string
	NATSSubject   string
	GracefulGrace time.Duration
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		IP:                  "0.0.0.0",
		Port:                9000,
		ModuleCachePath:     defaultCachePath(),
		Policy:              pool.PerWorker.String(),
		MaxParallelism:      Unbounded,
		RequestWaitTimeout:  10 * time.Second,
		UserMemoryMB:        150,
		UserCPUSoft:         10 * time.Second,
		UserCPUHard:         20 * time.Second,
		UserWallClock:       5 * time.Minute,
		LowMemoryMultiplier: 5,
		TLSCAStore:          "system",
		NATSSubject:         "edge_runtime.events",
		GracefulGrace:       30 * time.Second,
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return dir + string(os.PathSeparator) + "edge-runtime" + string(os.PathSeparator) + "modules.db"
}

// Load reads envFile when it exists (an empty name means ".env") and then
// overlays EDGE_RUNTIME_* variables on the defaults.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
	}

	c := Default()
	c.IP = getEnv("IP", c.IP)
	c.Port = getEnvInt("PORT", c.Port)
	c.MainServicePath = getEnv("MAIN_SERVICE", c.MainServicePath)
	c.EventWorkerPath = getEnv("EVENT_WORKER", c.EventWorkerPath)
	c.ImportMapPath = getEnv("IMPORT_MAP", c.ImportMapPath)
	c.ModuleCachePath = getEnv("MODULE_CACHE", c.ModuleCachePath)
	c.DisableModuleCache = getEnvBool("DISABLE_MODULE_CACHE", c.DisableModuleCache)
	c.Policy = getEnv("POLICY", c.Policy)
	c.MaxParallelism = getEnvInt("MAX_PARALLELISM", c.MaxParallelism)
	c.RequestWaitTimeout = getEnvDuration("REQUEST_WAIT_TIMEOUT", c.RequestWaitTimeout)
	c.UserMemoryMB = getEnvInt("USER_MEMORY_MB", c.UserMemoryMB)
	c.UserCPUSoft = getEnvDuration("USER_CPU_SOFT_LIMIT", c.UserCPUSoft)
	c.UserCPUHard = getEnvDuration("USER_CPU_HARD_LIMIT", c.UserCPUHard)
	c.UserWallClock = getEnvDuration("USER_WORKER_TIMEOUT", c.UserWallClock)
	c.LowMemoryMultiplier = getEnvFloat("LOW_MEMORY_MULTIPLIER", c.LowMemoryMultiplier)
	c.MainMemoryMB = getEnvInt("MAIN_MEMORY_MB", c.MainMemoryMB)
	c.BlockPrivateNetwork = getEnvBool("BLOCK_PRIVATE_NETWORK", c.BlockPrivateNetwork)
	c.TLSCAStore = getEnv("TLS_CA_STORE", c.TLSCAStore)
	c.TLSCAFile = getEnv("TLS_CA_FILE", c.TLSCAFile)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubject = getEnv("NATS_SUBJECT", c.NATSSubject)
	c.GracefulGrace = getEnvDuration("GRACEFUL_SHUTDOWN", c.GracefulGrace)
	return c, nil
}

// Validate checks ranges and normalizes the policy. Oneshot forces a
// parallelism of one.
func (c *Config) Validate() error {
	policy, err := pool.ParsePolicy(c.Policy)
	if err != nil {
		return err
	}
	c.Policy = policy.String()
	if policy == pool.Oneshot {
		c.MaxParallelism = 1
	}
	if c.MaxParallelism != Unbounded && (c.MaxParallelism < 1 || c.MaxParallelism > MaxParallelismCeiling) {
		return fmt.Errorf("max parallelism must be between 1 and %d, got %d", MaxParallelismCeiling, c.MaxParallelism)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MainServicePath == "" {
		return errors.New("main service path is required")
	}
	for name, d := range map[string]time.Duration{
		"request wait timeout": c.RequestWaitTimeout,
		"cpu soft limit":       c.UserCPUSoft,
		"cpu hard limit":       c.UserCPUHard,
		"worker timeout":       c.UserWallClock,
		"graceful shutdown":    c.GracefulGrace,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.UserCPUSoft > 0 && c.UserCPUHard > 0 && c.UserCPUSoft > c.UserCPUHard {
		return fmt.Errorf("cpu soft limit %v exceeds hard limit %v", c.UserCPUSoft, c.UserCPUHard)
	}
	if c.UserMemoryMB < 0 || c.MainMemoryMB < 0 {
		return errors.New("memory limits must not be negative")
	}
	if c.LowMemoryMultiplier < 0 {
		return errors.New("low memory multiplier must not be negative")
	}
	switch c.TLSCAStore {
	case "system", "":
	case "file":
		if c.TLSCAFile == "" {
			return errors.New("TLS CA store \"file\" needs a CA file")
		}
	default:
		return fmt.Errorf("unknown TLS CA store %q (want system or file)", c.TLSCAStore)
	}
	return nil
}

// PoolPolicy returns the parsed policy. Call after Validate.
func (c Config) PoolPolicy() pool.Policy {
	p, _ := pool.ParsePolicy(c.Policy)
	return p
}

// UserLimits are the defaults applied to user workers.
func (c Config) UserLimits() core.Limits {
	return core.Limits{
		MemoryBytes:         uint64(c.UserMemoryMB) << 20,
		CPUSoft:             c.UserCPUSoft,
		CPUHard:             c.UserCPUHard,
		WallClock:           c.UserWallClock,
		LowMemoryMultiplier: c.LowMemoryMultiplier,
	}
}

// CertPool builds the trust store selected by TLSCAStore.
func (c Config) CertPool() (*x509.CertPool, error) {
	switch c.TLSCAStore {
	case "", "system":
		return x509.SystemCertPool()
	case "file":
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		certs := x509.NewCertPool()
		if !certs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.TLSCAFile)
		}
		return certs, nil
	}
	return nil, fmt.Errorf("unknown TLS CA store %q", c.TLSCAStore)
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(EnvPrefix + key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(EnvPrefix + key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(EnvPrefix + key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(EnvPrefix + key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("250ms") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(EnvPrefix + key)
	if !exists {
		return defaultValue
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
