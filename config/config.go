// Package config loads the YAML configuration shared by the CLIs and maps
// it onto transport options.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/seq"
	"github.com/romshark/iwatrans/trans"
)

// Environment variables overriding file values.
const (
	EnvTxQueues   = "IWA_TX_QUEUES"
	EnvUseICT     = "IWA_USE_ICT"
	EnvRxBufSize  = "IWA_RX_BUFFER_SIZE"
	EnvCmdTimeout = "IWA_CMD_TIMEOUT"
	EnvLogLevel   = "IWA_LOG_LEVEL"
)

const DefaultLogMaxSizeMB = 64

type Config struct {
	Transport struct {
		TxQueues         int           `yaml:"tx-queues"`
		CmdQueue         int           `yaml:"cmd-queue"`
		RxBufferSize     int           `yaml:"rx-buffer-size"`
		UseICT           *bool         `yaml:"use-ict"`
		NICAccessTimeout time.Duration `yaml:"nic-access-timeout"`
		PollInterval     time.Duration `yaml:"poll-interval"`
		CmdTimeout       time.Duration `yaml:"cmd-timeout"`
		DrainTimeout     time.Duration `yaml:"drain-timeout"`
		DMALimitBytes    int           `yaml:"dma-limit-bytes"`
	} `yaml:"transport"`

	Log struct {
		Level     string `yaml:"level"`
		File      string `yaml:"file"` // Empty means stderr.
		MaxSizeMB int    `yaml:"max-size-mb"`
	} `yaml:"log"`

	Bench struct {
		Count   uint64 `yaml:"count"`
		Rate    uint64 `yaml:"rate"` // Commands per second, 0 is unthrottled.
		Payload int    `yaml:"payload"`
		Sync    bool   `yaml:"sync"`
	} `yaml:"bench"`
}

// Load reads the YAML file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var conf Config
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}
	return &conf, nil
}

// LoadEnv loads envFile into the process environment if it exists and
// applies the IWA_* overrides. Variables already set take precedence over
// the file.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	if v, ok := os.LookupEnv(EnvTxQueues); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTxQueues, err)
		}
		c.Transport.TxQueues = n
	}
	if v, ok := os.LookupEnv(EnvUseICT); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUseICT, err)
		}
		c.Transport.UseICT = &b
	}
	if v, ok := os.LookupEnv(EnvRxBufSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRxBufSize, err)
		}
		c.Transport.RxBufferSize = n
	}
	if v, ok := os.LookupEnv(EnvCmdTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCmdTimeout, err)
		}
		c.Transport.CmdTimeout = d
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Log.Level = v
	}
	return nil
}

func (c *Config) ValidateAndSetDefaults() error {
	t := &c.Transport
	if t.TxQueues == 0 {
		t.TxQueues = trans.DefaultTxQueues
	}
	if t.TxQueues < 1 || t.TxQueues > seq.MaxRing+1 {
		return fmt.Errorf("transport.tx-queues must be in [1, %d], got %d",
			seq.MaxRing+1, t.TxQueues)
	}
	if t.CmdQueue == 0 {
		t.CmdQueue = min(trans.DefaultCmdQueue, t.TxQueues-1)
	}
	if t.CmdQueue < 0 || t.CmdQueue >= t.TxQueues {
		return fmt.Errorf("transport.cmd-queue %d out of range for %d queues",
			t.CmdQueue, t.TxQueues)
	}
	if t.RxBufferSize == 0 {
		t.RxBufferSize = trans.DefaultRxBufSize
	}
	if t.RxBufferSize != hw.RxBufSize && t.RxBufferSize != hw.RxBufSize8K {
		return fmt.Errorf("transport.rx-buffer-size must be %d or %d, got %d",
			hw.RxBufSize, hw.RxBufSize8K, t.RxBufferSize)
	}
	if t.UseICT == nil {
		on := true
		t.UseICT = &on
	}
	if t.NICAccessTimeout == 0 {
		t.NICAccessTimeout = trans.DefaultNICAccessTimeout
	}
	if t.PollInterval == 0 {
		t.PollInterval = trans.DefaultPollInterval
	}
	if t.CmdTimeout == 0 {
		t.CmdTimeout = trans.DefaultCmdTimeout
	}
	if t.DrainTimeout == 0 {
		t.DrainTimeout = trans.DefaultDrainTimeout
	}
	for name, d := range map[string]time.Duration{
		"nic-access-timeout": t.NICAccessTimeout,
		"poll-interval":      t.PollInterval,
		"cmd-timeout":        t.CmdTimeout,
		"drain-timeout":      t.DrainTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("transport.%s must not be negative", name)
		}
	}
	if t.DMALimitBytes < 0 {
		return errors.New("transport.dma-limit-bytes must not be negative")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}

	if c.Bench.Payload < 0 || c.Bench.Payload > hw.MaxCmdDataSize-hw.CmdHeaderSize {
		return fmt.Errorf("bench.payload must be in [0, %d], got %d",
			hw.MaxCmdDataSize-hw.CmdHeaderSize, c.Bench.Payload)
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger returns a text logger writing to stderr or, if Log.File is set,
// to a size-rotated file. The returned closer must be called on exit.
func (c *Config) NewLogger() (*slog.Logger, io.Closer, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, nil, err
	}
	var w io.WriteCloser = nopCloser{os.Stderr}
	if c.Log.File != "" {
		w = &lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: 3,
		}
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h), w, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// TransportOptions maps the transport section onto trans.Options.
// Handlers are left for the caller to set.
func (c *Config) TransportOptions(log *slog.Logger) trans.Options {
	t := c.Transport
	return trans.Options{
		TxQueues:         t.TxQueues,
		CmdQueue:         t.CmdQueue,
		RxBufSize:        t.RxBufferSize,
		DisableICT:       t.UseICT != nil && !*t.UseICT,
		NICAccessTimeout: t.NICAccessTimeout,
		PollInterval:     t.PollInterval,
		CmdTimeout:       t.CmdTimeout,
		DrainTimeout:     t.DrainTimeout,
		Logger:           log,
	}
}
