package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "BUNDLEXFER"

const (
	IndexBackendFlatFS  = "flatfs"
	IndexBackendLevelDB = "leveldb"
)

// Config represents the configuration of a bundlexfer node
type Config struct {
	// Config file location
	configFile string

	LogLevel string `json:"loglevel" mapstructure:"loglevel"`

	Transfer struct {
		PieceSize   uint64 `json:"piece_size" mapstructure:"piece_size"`
		Parallelism int    `json:"parallelism" mapstructure:"parallelism"`
	} `json:"transfer" mapstructure:"transfer"`

	// Sender serves the artifacts stored directly under BaseDir
	Sender struct {
		BaseDir        string `json:"base_dir" mapstructure:"base_dir"`
		PrivateKeyPath string `json:"private_key" mapstructure:"private_key"`
		CacheSize      int    `json:"cache_size" mapstructure:"cache_size"`
	} `json:"sender" mapstructure:"sender"`

	Receiver struct {
		DestinationDir      string `json:"destination_dir" mapstructure:"destination_dir"`
		ScratchPath         string `json:"scratch" mapstructure:"scratch"`
		IndexBackend        string `json:"index_backend" mapstructure:"index_backend"`
		IndexPath           string `json:"index" mapstructure:"index"`
		RemotePublicKeyPath string `json:"remote_public_key" mapstructure:"remote_public_key"`
	} `json:"receiver" mapstructure:"receiver"`

	Network struct {
		RPCListenAddress string `json:"rpc_listen" mapstructure:"rpc_listen"`
	} `json:"network" mapstructure:"network"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.LogLevel = "info"

	cfg.Transfer.PieceSize = 1 << 20
	cfg.Transfer.Parallelism = 4

	cfg.Sender.BaseDir = "/tmp/bundlexfer/outbox"
	cfg.Sender.CacheSize = 128

	cfg.Receiver.DestinationDir = "/tmp/bundlexfer/inbox"
	cfg.Receiver.ScratchPath = "/tmp/bundlexfer/scratch"
	cfg.Receiver.IndexBackend = IndexBackendFlatFS
	cfg.Receiver.IndexPath = "/tmp/bundlexfer/sessions"

	cfg.Network.RPCListenAddress = "127.0.0.1:5001"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ConfigFile() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

// Load reads the config file over the current values. BUNDLEXFER_<SECTION>_<KEY> environment
// variables override the file, e.g. BUNDLEXFER_RECEIVER_INDEX_BACKEND=leveldb.
func (c *Config) Load() error {
	log.Debugf("Loading config from %s", c.configFile)

	v := viper.New()
	v.SetConfigFile(c.configFile)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults from the current values make every key known to viper, so env overrides
	// apply to keys the file leaves out.
	defaults, err := c.asMap()
	if err != nil {
		return err
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", c.configFile, err)
	}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("decoding config %s: %w", c.configFile, err)
	}
	return c.Validate()
}

// asMap flattens c into dotted keys.
func (c *Config) asMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}

	out := map[string]any{}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			if sub, ok := val.(map[string]any); ok {
				walk(prefix+k+".", sub)
				continue
			}
			out[prefix+k] = val
		}
	}
	walk("", tree)
	return out, nil
}

func (c *Config) Validate() error {
	if c.Transfer.PieceSize == 0 {
		return fmt.Errorf("transfer.piece_size must be positive")
	}
	if c.Transfer.Parallelism < 1 {
		return fmt.Errorf("transfer.parallelism must be at least 1")
	}
	switch c.Receiver.IndexBackend {
	case IndexBackendFlatFS, IndexBackendLevelDB:
	default:
		return fmt.Errorf("receiver.index_backend %q is not one of %s, %s",
			c.Receiver.IndexBackend, IndexBackendFlatFS, IndexBackendLevelDB)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
