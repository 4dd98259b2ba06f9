package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the driver configuration consumed by the conductor and its
// collaborators. LoadFile merges a file over DefaultConfig; Validate rejects
// values the conductor cannot run with and fills in nothing.
type Config struct {
	// Dir is the driver directory holding the counters file and log buffers
	Dir string `yaml:"dir"`

	// TimerInterval is the cadence of the conductor heartbeat pass
	TimerInterval time.Duration `yaml:"timer_interval"`

	// ClientLivenessTimeout expires clients whose keepalives stop
	ClientLivenessTimeout time.Duration `yaml:"client_liveness_timeout"`

	// PublicationLingerTimeout keeps an unreferenced publication alive for
	// late subscriber drain
	PublicationLingerTimeout time.Duration `yaml:"publication_linger_timeout"`

	// ImageLivenessTimeout expires images whose subscribers are gone
	ImageLivenessTimeout time.Duration `yaml:"image_liveness_timeout"`

	// UntetheredWindowLimitTimeout demotes subscribers that stall beyond the
	// window limit
	UntetheredWindowLimitTimeout time.Duration `yaml:"untethered_window_limit_timeout"`

	// UntetheredRestingTimeout holds a demoted subscriber out before rejoin
	UntetheredRestingTimeout time.Duration `yaml:"untethered_resting_timeout"`

	// CounterFreeToReuseTimeout delays reuse of freed counter slots so that
	// external readers never observe a recycled counter mid-read
	CounterFreeToReuseTimeout time.Duration `yaml:"counter_free_to_reuse_timeout"`

	// TermBufferLength is the default per-partition term length for network
	// publications
	TermBufferLength int32 `yaml:"term_buffer_length"`

	// IpcTermBufferLength is the default term length for IPC publications
	IpcTermBufferLength int32 `yaml:"ipc_term_buffer_length"`

	// MTULength is the default maximum transmission unit
	MTULength int32 `yaml:"mtu_length"`

	// IpcMTULength is the default MTU for IPC publications
	IpcMTULength int32 `yaml:"ipc_mtu_length"`

	// FilePageSize is the page size log files are aligned to
	FilePageSize int32 `yaml:"file_page_size"`

	// InitialWindowLength seeds receiver flow-control windows
	InitialWindowLength int32 `yaml:"initial_window_length"`

	// PublicationReservedSessionIDLow/High bound the session-id range the
	// allocator skips, leaving it free for explicit assignment
	PublicationReservedSessionIDLow  int32 `yaml:"reserved_session_id_low"`
	PublicationReservedSessionIDHigh int32 `yaml:"reserved_session_id_high"`

	// CounterValuesBufferLength sizes the counters file value region
	CounterValuesBufferLength int32 `yaml:"counter_values_buffer_length"`

	// CommandDrainLimit bounds internal command queue drain per tick
	CommandDrainLimit int `yaml:"command_drain_limit"`

	// ClientCommandLimit bounds client command polls per tick
	ClientCommandLimit int `yaml:"client_command_limit"`

	// TermBufferSparseFile creates log files sparse instead of pre-touched
	TermBufferSparseFile bool `yaml:"term_buffer_sparse_file"`

	// SpiesSimulateConnection makes spy subscribers count as connections
	SpiesSimulateConnection bool `yaml:"spies_simulate_connection"`
}

// DefaultConfig returns the driver defaults
func DefaultConfig() Config {
	return Config{
		Dir:                              defaultDir(),
		TimerInterval:                    1 * time.Second,
		ClientLivenessTimeout:            10 * time.Second,
		PublicationLingerTimeout:         5 * time.Second,
		ImageLivenessTimeout:             10 * time.Second,
		UntetheredWindowLimitTimeout:     10 * time.Second,
		UntetheredRestingTimeout:         10 * time.Second,
		CounterFreeToReuseTimeout:        1 * time.Second,
		TermBufferLength:                 16 * 1024 * 1024,
		IpcTermBufferLength:              64 * 1024 * 1024,
		MTULength:                        1408,
		IpcMTULength:                     4096,
		FilePageSize:                     4096,
		InitialWindowLength:              128 * 1024,
		PublicationReservedSessionIDLow:  -1,
		PublicationReservedSessionIDHigh: 1000,
		CounterValuesBufferLength:        1024 * 1024,
		CommandDrainLimit:                10,
		ClientCommandLimit:               10,
		TermBufferSparseFile:             true,
	}
}

// LoadFile reads a YAML config file and merges it over the defaults
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the conductor relies on
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("driver dir must not be empty")
	}
	if c.TimerInterval <= 0 {
		return fmt.Errorf("timer interval must be positive, got %v", c.TimerInterval)
	}
	if !isPowerOfTwo(c.TermBufferLength) {
		return fmt.Errorf("term buffer length must be a power of two, got %d", c.TermBufferLength)
	}
	if !isPowerOfTwo(c.IpcTermBufferLength) {
		return fmt.Errorf("ipc term buffer length must be a power of two, got %d", c.IpcTermBufferLength)
	}
	if !isPowerOfTwo(c.FilePageSize) {
		return fmt.Errorf("file page size must be a power of two, got %d", c.FilePageSize)
	}
	if c.PublicationReservedSessionIDLow > c.PublicationReservedSessionIDHigh {
		return fmt.Errorf("reserved session-id range inverted: [%d, %d]",
			c.PublicationReservedSessionIDLow, c.PublicationReservedSessionIDHigh)
	}
	if c.CommandDrainLimit <= 0 || c.ClientCommandLimit <= 0 {
		return fmt.Errorf("per-tick poll limits must be positive")
	}
	return nil
}

func defaultDir() string {
	if dir := os.Getenv("STRAND_DIR"); dir != "" {
		return dir
	}
	return "/dev/shm/strand"
}

func isPowerOfTwo(v int32) bool {
	return v > 0 && v&(v-1) == 0
}
