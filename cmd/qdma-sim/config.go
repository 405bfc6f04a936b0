package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"go.yaml.in/yaml/v3"

	"github.com/ehrlich-b/go-qdma"
)

// Config is the simulator run configuration. Values come from defaults,
// then the YAML file given with -config, then explicitly set flags.
type Config struct {
	Mode        string        `yaml:"mode"`
	Dir         string        `yaml:"dir"`
	Depth       uint32        `yaml:"depth"`
	Requests    int           `yaml:"requests"`
	Size        string        `yaml:"size"`
	Workers     int           `yaml:"workers"`
	EOT         bool          `yaml:"eot"`
	Verbose     bool          `yaml:"verbose"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Timeout     time.Duration `yaml:"timeout"`
}

func defaultConfig() Config {
	return Config{
		Mode:     "mm",
		Dir:      "h2c",
		Depth:    qdma.DefaultRingDepth,
		Requests: 1024,
		Size:     "64K",
		Workers:  4,
		Timeout:  time.Minute,
	}
}

// bindFlags registers the simulator flags on fs. Parsed values land in the
// returned Config; only flags that were set are applied by loadConfig.
func bindFlags(fs *flag.FlagSet) (*string, *Config) {
	c := &Config{}
	path := fs.String("config", "", "YAML configuration file")
	fs.StringVar(&c.Mode, "mode", "", "Transfer mode: mm or st")
	fs.StringVar(&c.Dir, "dir", "", "Direction: h2c or c2h")
	fs.Func("depth", "Descriptor ring depth (power of two)", func(s string) error {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return err
		}
		c.Depth = uint32(v)
		return nil
	})
	fs.IntVar(&c.Requests, "requests", 0, "Total number of requests")
	fs.StringVar(&c.Size, "size", "", "Request size (e.g., 4K, 64K, 1M)")
	fs.IntVar(&c.Workers, "workers", 0, "Concurrent submitters")
	fs.BoolVar(&c.EOT, "eot", false, "Mark streaming requests end-of-transfer")
	fs.BoolVar(&c.Verbose, "v", false, "Verbose output")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.DurationVar(&c.Timeout, "timeout", 0, "Run timeout")
	return path, c
}

// applyFlags copies the flags set on fs from parsed into c
func (c *Config) applyFlags(fs *flag.FlagSet, parsed *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			c.Mode = parsed.Mode
		case "dir":
			c.Dir = parsed.Dir
		case "depth":
			c.Depth = parsed.Depth
		case "requests":
			c.Requests = parsed.Requests
		case "size":
			c.Size = parsed.Size
		case "workers":
			c.Workers = parsed.Workers
		case "eot":
			c.EOT = parsed.EOT
		case "v":
			c.Verbose = parsed.Verbose
		case "metrics-addr":
			c.MetricsAddr = parsed.MetricsAddr
		case "timeout":
			c.Timeout = parsed.Timeout
		}
	})
}

// loadConfig merges the YAML file at path (if any) over the defaults, then
// applies the flags set on fs. fs may be nil.
func loadConfig(path string, fs *flag.FlagSet, parsed *Config) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		var file Config
		if err := yaml.Unmarshal(b, &file); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
			return cfg, err
		}
	}

	if fs != nil {
		cfg.applyFlags(fs, parsed)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if _, err := c.mode(); err != nil {
		return err
	}
	if _, err := c.dir(); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Workers <= 0 || c.Requests <= 0 {
		return fmt.Errorf("workers and requests must be positive")
	}
	size, err := parseSize(c.Size)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", c.Size, err)
	}
	if size <= 0 {
		return fmt.Errorf("size must be positive")
	}
	return nil
}

func (c Config) mode() (qdma.Mode, error) {
	switch strings.ToLower(c.Mode) {
	case "mm":
		return qdma.ModeMM, nil
	case "st":
		return qdma.ModeST, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want mm or st)", c.Mode)
	}
}

func (c Config) dir() (qdma.Dir, error) {
	switch strings.ToLower(c.Dir) {
	case "h2c":
		return qdma.DirH2C, nil
	case "c2h":
		return qdma.DirC2H, nil
	default:
		return 0, fmt.Errorf("unknown direction %q (want h2c or c2h)", c.Dir)
	}
}

// parseSize parses a size string like "64K", "1M", "4096"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
