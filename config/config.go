// Package config loads and saves the dagdriver daemon's on-disk
// configuration, following the config.Ingest/config.Policy pattern
// storetheindex's internal/ingest and internal/providers/policy packages
// consume: a TOML-backed struct tree with a well-known directory and a
// single env var override.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
)

// EnvDir is the environment variable that overrides the default
// configuration directory, mirroring storetheindex's config.EnvDir.
const EnvDir = "DAGDRIVER_PATH"

const defaultDirName = ".dagdriver"
const configFileName = "config"

// Identity holds a validator's identity as persisted on disk. Key material
// is out of scope for the driver (there is no signature verification):
// KeyFile is stored as given and never read, and only PeerID is decoded,
// for constructing the Driver and addressing network sends.
type Identity struct {
	PeerID  string
	KeyFile string
}

// Driver holds the tunables for the DAG driver's event loop and fetch loop.
type Driver struct {
	// RetryIntervalMillis is the fetch-retry tick period, default ~500ms,
	// slightly longer than one network RTT.
	RetryIntervalMillis int

	// StatusListen is the address the read-only HTTP status server binds,
	// mirroring storetheindex's server/admin and server/ingest listen
	// addresses.
	StatusListen string

	// DatastoreDir is the on-disk directory for the leveldb-backed
	// persistence store.
	DatastoreDir string
}

// Policy holds the on-disk peer-authorization policy, decoded by
// internal/policy.New before being wired into the driver.
type Policy struct {
	Action string
	Except []string
	Trust  []string
}

// Config is the full on-disk configuration tree.
type Config struct {
	Identity Identity
	Driver   Driver
	Policy   Policy
}

func newWithDefaults() Config {
	return Config{
		Driver: Driver{
			RetryIntervalMillis: 500,
			StatusListen:        "0.0.0.0:3001",
			DatastoreDir:        "datastore",
		},
		Policy: Policy{
			Action: "allow",
		},
	}
}

// Dir returns the configuration directory: EnvDir if set, otherwise
// ~/.dagdriver.
func Dir() (string, error) {
	if dir := os.Getenv(EnvDir); dir != "" {
		return dir, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("cannot get home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName), nil
}

// Path returns the full path to the config file, within dir if non-empty,
// otherwise within the default config directory.
func Path(dir string) (string, error) {
	if dir == "" {
		var err error
		dir, err = Dir()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, configFileName), nil
}

// Load reads the config file from dir (or the default directory if dir is
// empty). It returns an error if the file does not exist; use Init to
// create one first.
func Load(dir string) (*Config, error) {
	path, err := Path(dir)
	if err != nil {
		return nil, err
	}
	cfg := newWithDefaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no config file found at %s, run init first", path)
		}
		return nil, fmt.Errorf("cannot decode config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to the config file under dir (or the default directory),
// creating the directory if needed.
func Save(dir string, cfg *Config) error {
	path, err := Path(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Init creates a new config file populated with defaults, plus any
// overrides supplied via opts, failing if one already exists.
func Init(dir string, opts ...func(*Config)) (*Config, error) {
	path, err := Path(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("config file already exists at %s", path)
	}
	cfg := newWithDefaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := Save(dir, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
