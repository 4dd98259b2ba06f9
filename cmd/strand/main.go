package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/strand/pkg/clock"
	"github.com/cuemby/strand/pkg/command"
	"github.com/cuemby/strand/pkg/config"
	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/driver"
	"github.com/cuemby/strand/pkg/log"
	"github.com/cuemby/strand/pkg/logbuffer"
	"github.com/cuemby/strand/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strand",
	Short: "Strand - High-performance messaging media driver",
	Long: `Strand is a messaging media driver: a single process that owns the
shared log buffers and counters files publishers and subscribers on the
same host communicate through, and drives the UDP data plane between
hosts.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Strand version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOutput,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the media driver",
	RunE:  runDriver,
}

func init() {
	runCmd.Flags().String("config", "", "Path to YAML config file")
	runCmd.Flags().String("dir", "", "Driver directory (overrides config)")
	runCmd.Flags().String("metrics-addr", ":9690", "Prometheus metrics listen address ('' disables)")
}

func runDriver(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Dir = dir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	instanceID := uuid.New().String()
	logger := log.WithComponent("driver")
	logger.Info().
		Str("instance_id", instanceID).
		Str("dir", cfg.Dir).
		Str("version", Version).
		Msg("Starting media driver")

	cncFile, err := counters.MapFile(cfg.Dir, cfg.CounterValuesBufferLength)
	if err != nil {
		return err
	}
	defer cncFile.Close()

	epochClock := clock.SystemEpochClock{}
	countersManager, err := counters.NewManager(cncFile.Values, cncFile.Metadata,
		epochClock, cfg.CounterFreeToReuseTimeout.Milliseconds())
	if err != nil {
		return err
	}

	logFactory, err := logbuffer.NewFileFactory(cfg.Dir, cfg.FilePageSize)
	if err != nil {
		return err
	}

	toDriver := command.NewManyToOneRingBuffer(1024)
	toClients := command.NewBroadcaster()
	senderProxy := driver.NewSenderProxy(1024)
	receiverProxy := driver.NewReceiverProxy(1024)

	shutdownCh := make(chan struct{})
	conductor, err := driver.NewConductor(driver.Options{
		Config:          &cfg,
		NanoClock:       clock.NewSystemNanoClock(),
		EpochClock:      epochClock,
		CountersManager: countersManager,
		LogFactory:      logFactory,
		ToDriver:        toDriver,
		ToClients:       toClients,
		SenderProxy:     senderProxy,
		ReceiverProxy:   receiverProxy,
		TerminationValidator: func(token []byte) bool {
			return len(token) > 0 && string(token) == instanceID
		},
		TerminationHook: func() {
			close(shutdownCh)
		},
	})
	if err != nil {
		return err
	}

	runners := []*driver.AgentRunner{
		driver.NewAgentRunner(conductor, time.Millisecond),
		driver.NewAgentRunner(&stubSender{proxy: senderProxy}, 10*time.Millisecond),
		driver.NewAgentRunner(&stubReceiver{proxy: receiverProxy}, 10*time.Millisecond),
	}
	for _, runner := range runners {
		runner.Start()
	}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-shutdownCh:
		logger.Info().Msg("Shutting down on termination request")
	}

	for _, runner := range runners {
		runner.Stop()
	}
	return nil
}

// stubSender drains the sender queue. The UDP transmission path plugs in
// here; until then the control plane runs standalone for IPC workloads.
type stubSender struct {
	proxy *driver.SenderProxy
}

func (s *stubSender) OnStart()         {}
func (s *stubSender) OnClose()         {}
func (s *stubSender) RoleName() string { return "sender" }

func (s *stubSender) DoWork() int {
	return s.proxy.Drain(func(driver.SenderMessage) {}, 16)
}

// stubReceiver drains the receiver queue
type stubReceiver struct {
	proxy *driver.ReceiverProxy
}

func (r *stubReceiver) OnStart()         {}
func (r *stubReceiver) OnClose()         {}
func (r *stubReceiver) RoleName() string { return "receiver" }

func (r *stubReceiver) DoWork() int {
	return r.proxy.Drain(func(driver.ReceiverMessage) {}, 16)
}
