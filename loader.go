package sftpops

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// FileConfig is the on-disk configuration: one endpoint plus the options
// for operations against it.
type FileConfig struct {
	Endpoint  Endpoint `mapstructure:"endpoint"`
	Options   Options  `mapstructure:"options"`
	LogLevel  string   `mapstructure:"log_level"`
	LogFormat string   `mapstructure:"log_format"`
}

// Loader reads FileConfig from a YAML/TOML/JSON file and SFTPOPS_*
// environment variables, e.g. SFTPOPS_ENDPOINT_HOST.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// Viper exposes the underlying instance so callers can bind flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the config file, searched as .sftpops.* in the working
// directory, the home directory and /etc/sftpops. A missing file is fine.
func (l *Loader) Load() (*FileConfig, error) {
	l.setDefaults()
	l.setupConfigPaths()
	l.setupEnvVars()

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return l.unmarshal()
}

// LoadFile reads configuration from path, which must exist.
func (l *Loader) LoadFile(path string) (*FileConfig, error) {
	l.setDefaults()
	l.setupEnvVars()
	l.v.SetConfigFile(ExpandPath(path))

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return l.unmarshal()
}

// LoadConfig is NewLoader().LoadFile(path), or Load() when path is empty.
func LoadConfig(path string) (*FileConfig, error) {
	if path == "" {
		return NewLoader().Load()
	}
	return NewLoader().LoadFile(path)
}

func (l *Loader) unmarshal() (*FileConfig, error) {
	var cfg FileConfig
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg.Endpoint.KeyPath = ExpandPath(cfg.Endpoint.KeyPath)
	cfg.Endpoint.KnownHostsFile = ExpandPath(cfg.Endpoint.KnownHostsFile)
	cfg.Options.LocalWorkDirectory = ExpandPath(cfg.Options.LocalWorkDirectory)
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can fill it.
func (l *Loader) setDefaults() {
	l.v.SetDefault("endpoint.host", "")
	l.v.SetDefault("endpoint.port", 22)
	l.v.SetDefault("endpoint.user", "")
	l.v.SetDefault("endpoint.auth_method", "")
	l.v.SetDefault("endpoint.private_key", "")
	l.v.SetDefault("endpoint.key_path", "")
	l.v.SetDefault("endpoint.passphrase", "")
	l.v.SetDefault("endpoint.password", "")
	l.v.SetDefault("endpoint.certificate_path", "")
	l.v.SetDefault("endpoint.known_hosts_file", "")
	l.v.SetDefault("endpoint.strict_host_key_checking", "yes")
	l.v.SetDefault("endpoint.server_alive_interval", "0s")
	l.v.SetDefault("endpoint.server_alive_count_max", 3)
	l.v.SetDefault("endpoint.bastion_host", "")
	l.v.SetDefault("endpoint.bastion_user", "")
	l.v.SetDefault("endpoint.bastion_key_path", "")

	def := DefaultReconnectPolicy()
	l.v.SetDefault("options.root", "")
	l.v.SetDefault("options.reconnect.max_attempts", def.MaxAttempts)
	l.v.SetDefault("options.reconnect.delay", def.Delay.String())
	l.v.SetDefault("options.reconnect.connect_timeout", def.ConnectTimeout.String())
	l.v.SetDefault("options.reconnect.multiplier", def.Multiplier)
	l.v.SetDefault("options.fast_exists_check", false)
	l.v.SetDefault("options.stepwise", false)
	l.v.SetDefault("options.local_work_directory", "")
	l.v.SetDefault("options.file_exist", string(FileExistOverride))
	l.v.SetDefault("options.move_existing", "")
	l.v.SetDefault("options.eager_delete_target_file", true)
	l.v.SetDefault("options.chmod", "")
	l.v.SetDefault("options.allow_null_body", false)
	l.v.SetDefault("options.stream_download", false)

	l.v.SetDefault("log_level", "info")
	l.v.SetDefault("log_format", "text")
}

func (l *Loader) setupConfigPaths() {
	l.v.SetConfigName(".sftpops")

	l.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(home)
	}
	l.v.AddConfigPath("/etc/sftpops")
}

func (l *Loader) setupEnvVars() {
	l.v.SetEnvPrefix("SFTPOPS")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

func (l *Loader) validate(cfg *FileConfig) error {
	if cfg.Endpoint.Port < 1 || cfg.Endpoint.Port > 65535 {
		return fmt.Errorf("invalid endpoint.port %d", cfg.Endpoint.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", cfg.LogFormat)
	}

	return cfg.Options.Validate()
}
