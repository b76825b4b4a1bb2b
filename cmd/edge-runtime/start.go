package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/config"
	"github.com/cryguy/edgeruntime/internal/server"
)

type startFlags struct {
	ip                 string
	port               int
	mainService        string
	eventWorker        string
	importMap          string
	moduleCache        string
	disableModuleCache bool
	policy             string
	maxParallelism     int
	requestWaitMs      uint64
	userMemoryMB       int
	cpuSoftMs          uint64
	cpuHardMs          uint64
	workerTimeoutMs    uint64
	lowMemMultiplier   float64
	mainMemoryMB       int
	blockPrivate       bool
	tlsCAStore         string
	tlsCAFile          string
	metricsAddr        string
	natsURL            string
	natsSubject        string
	gracefulGrace      time.Duration
}

func newStartCmd(root *rootOptions) *cobra.Command {
	f := &startFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.config(cmd.Flags(), root.envFile)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg, server.Options{Logger: root.log})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			root.log.Debug("starting", zap.String("main", cfg.MainServicePath), zap.String("policy", cfg.Policy), zap.Int("maxParallelism", cfg.MaxParallelism))
			return srv.Run(ctx)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (f *startFlags) register(fl *pflag.FlagSet) {
	d := config.Default()
	fl.StringVarP(&f.ip, "ip", "i", d.IP, "Host IP address to listen on")
	fl.IntVarP(&f.port, "port", "p", d.Port, "Port to listen on")
	fl.StringVar(&f.mainService, "main-service", "examples/main", "Path to main service directory or bundle")
	fl.StringVar(&f.eventWorker, "event-worker", "", "Path to event worker directory or bundle")
	fl.StringVar(&f.importMap, "import-map", "", "Path to import map file")
	fl.StringVar(&f.moduleCache, "module-cache", d.ModuleCachePath, "Path to the module cache database")
	fl.BoolVar(&f.disableModuleCache, "disable-module-cache", false, "Disable using module cache")
	fl.StringVar(&f.policy, "policy", d.Policy, "Policy to enforce in the worker pool (per_worker, per_request, oneshot)")
	fl.IntVar(&f.maxParallelism, "max-parallelism", d.MaxParallelism, "Maximum count of workers that can exist in the worker pool simultaneously (-1 for no limit)")
	fl.Uint64Var(&f.requestWaitMs, "request-wait-timeout", uint64(d.RequestWaitTimeout/time.Millisecond), "Maximum time in milliseconds that can wait to establish a connection with a worker")
	fl.IntVar(&f.userMemoryMB, "user-memory-mb", d.UserMemoryMB, "Default memory limit of user workers in MiB")
	fl.Uint64Var(&f.cpuSoftMs, "cpu-time-soft-limit", uint64(d.UserCPUSoft/time.Millisecond), "Default CPU soft limit of user workers in milliseconds")
	fl.Uint64Var(&f.cpuHardMs, "cpu-time-hard-limit", uint64(d.UserCPUHard/time.Millisecond), "Default CPU hard limit of user workers in milliseconds")
	fl.Uint64Var(&f.workerTimeoutMs, "worker-timeout", uint64(d.UserWallClock/time.Millisecond), "Default wall-clock limit of user workers in milliseconds")
	fl.Float64Var(&f.lowMemMultiplier, "low-memory-multiplier", d.LowMemoryMultiplier, "Divisor applied to memory limits while under memory pressure")
	fl.IntVar(&f.mainMemoryMB, "main-memory-mb", d.MainMemoryMB, "Memory limit of the main and event workers in MiB, 0 for none")
	fl.BoolVar(&f.blockPrivate, "block-private-network", d.BlockPrivateNetwork, "Refuse outbound fetches to private and loopback addresses")
	fl.StringVar(&f.tlsCAStore, "tls-ca-store", d.TLSCAStore, "Trust store for outbound TLS (system, file)")
	fl.StringVar(&f.tlsCAFile, "tls-ca-file", "", "PEM bundle used when --tls-ca-store=file")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on")
	fl.StringVar(&f.natsURL, "nats-url", "", "NATS server receiving worker events")
	fl.StringVar(&f.natsSubject, "nats-subject", d.NATSSubject, "Subject prefix for worker events")
	fl.DurationVar(&f.gracefulGrace, "graceful-shutdown-timeout", d.GracefulGrace, "How long to wait for workers to finish on shutdown")
}

// config loads envFile and EDGE_RUNTIME_* variables, then applies every
// flag set explicitly on the command line.
func (f *startFlags) config(fl *pflag.FlagSet, envFile string) (config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}
	fl.Visit(func(flag *pflag.Flag) { f.apply(&cfg, flag.Name) })
	if cfg.MainServicePath == "" {
		cfg.MainServicePath = f.mainService
	}
	return cfg, nil
}

func ms(v uint64) time.Duration { return time.Duration(v) * time.Millisecond }

// apply copies one explicitly set flag over the loaded configuration.
func (f *startFlags) apply(c *config.Config, name string) {
	switch name {
	case "ip":
		c.IP = f.ip
	case "port":
		c.Port = f.port
	case "main-service":
		c.MainServicePath = f.mainService
	case "event-worker":
		c.EventWorkerPath = f.eventWorker
	case "import-map":
		c.ImportMapPath = f.importMap
	case "module-cache":
		c.ModuleCachePath = f.moduleCache
	case "disable-module-cache":
		c.DisableModuleCache = f.disableModuleCache
	case "policy":
		c.Policy = f.policy
	case "max-parallelism":
		c.MaxParallelism = f.maxParallelism
	case "request-wait-timeout":
		c.RequestWaitTimeout = ms(f.requestWaitMs)
	case "user-memory-mb":
		c.UserMemoryMB = f.userMemoryMB
	case "cpu-time-soft-limit":
		c.UserCPUSoft = ms(f.cpuSoftMs)
	case "cpu-time-hard-limit":
		c.UserCPUHard = ms(f.cpuHardMs)
	case "worker-timeout":
		c.UserWallClock = ms(f.workerTimeoutMs)
	case "low-memory-multiplier":
		c.LowMemoryMultiplier = f.lowMemMultiplier
	case "main-memory-mb":
		c.MainMemoryMB = f.mainMemoryMB
	case "block-private-network":
		c.BlockPrivateNetwork = f.blockPrivate
	case "tls-ca-store":
		c.TLSCAStore = f.tlsCAStore
	case "tls-ca-file":
		c.TLSCAFile = f.tlsCAFile
	case "metrics-addr":
		c.MetricsAddr = f.metricsAddr
	case "nats-url":
		c.NATSURL = f.natsURL
	case "nats-subject":
		c.NATSSubject = f.natsSubject
	case "graceful-shutdown-timeout":
		c.GracefulGrace = f.gracefulGrace
	}
}
