// Package config loads the node configuration from a TOML file and fills
// in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mnsl/meh/internal/logging"
)

// FileName is the configuration file looked up in the data directory.
const FileName = "meh.toml"

// ErrNoUsername is returned by Validate when no username is configured.
var ErrNoUsername = errors.New("config: no username set; run `meh username <name>` or pass --name")

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// Dedup bounds the forwarded-message sets. Zero values keep every entry for
// the life of the process.
type Dedup struct {
	Capacity int      `toml:"capacity"`
	Expiry   Duration `toml:"expiry"`
}

// Config is the full node configuration.
type Config struct {
	Username  string   `toml:"username"`
	Listen    string   `toml:"listen"`    // TCP listen address
	Bootstrap []string `toml:"bootstrap"` // peer addresses dialed on scan
	API       string   `toml:"api"`       // HTTP API address; empty disables

	ScanTimeout      Duration `toml:"scan_timeout"`
	ScanInterval     Duration `toml:"scan_interval"`
	MetadataInterval Duration `toml:"metadata_interval"`
	PollInterval     Duration `toml:"poll_interval"`
	AckExpiry        Duration `toml:"ack_expiry"`

	Dedup Dedup          `toml:"dedup"`
	Log   logging.Config `toml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Listen:           "0.0.0.0:4343",
		API:              "127.0.0.1:8080",
		ScanTimeout:      Duration{10 * time.Second},
		ScanInterval:     Duration{30 * time.Second},
		MetadataInterval: Duration{15 * time.Second},
		PollInterval:     Duration{5 * time.Second},
		Log: logging.Config{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Path returns the configuration file path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return Config{}, fmt.Errorf("config: %s: unknown key %q", path, undec[0].String())
	}
	return cfg, nil
}

// Validate checks the fields a running node needs.
func (c Config) Validate() error {
	if c.Username == "" {
		return ErrNoUsername
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name, d := range map[string]Duration{
		"scan_timeout":      c.ScanTimeout,
		"scan_interval":     c.ScanInterval,
		"metadata_interval": c.MetadataInterval,
		"poll_interval":     c.PollInterval,
		"ack_expiry":        c.AckExpiry,
		"dedup.expiry":      c.Dedup.Expiry,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.Dedup.Capacity < 0 {
		return fmt.Errorf("config: dedup.capacity must not be negative")
	}
	return nil
}

// Dump writes c as TOML.
func (c Config) Dump(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Save writes c to path, creating parent directories.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := c.Dump(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
