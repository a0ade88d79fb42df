package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/deskbridge/deskbridge/internal/cloudbase"
	"github.com/deskbridge/deskbridge/internal/secrets"
	"github.com/deskbridge/deskbridge/pkg/sockpath"
)

// Config is the top-level daemon configuration.
type Config struct {
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Command  CommandConfig  `mapstructure:"command"`
	UI       UIConfig       `mapstructure:"ui"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Security SecurityConfig `mapstructure:"security"`
}

// CloudConfig holds the document store credentials and poll settings.
type CloudConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	EnvID            string        `mapstructure:"env_id"`
	AppID            string        `mapstructure:"app_id"`
	Secret           string        `mapstructure:"secret"` // #nosec G117 -- config deserialization
	Collection       string        `mapstructure:"collection"`
	UploadCollection string        `mapstructure:"upload_collection"`
	APIBase          string        `mapstructure:"api_base"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	TokenMargin      time.Duration `mapstructure:"token_margin"`
}

// CommandConfig controls local script launches.
type CommandConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	ScriptDir   string        `mapstructure:"script_dir"`
	Interpreter string        `mapstructure:"interpreter"`
}

// UIConfig controls the hand-off to the desktop application.
type UIConfig struct {
	App       string        `mapstructure:"app"`
	QueueSize int           `mapstructure:"queue_size"`
	Tick      time.Duration `mapstructure:"tick"`
}

// CaptureConfig controls the frame loop.
type CaptureConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Dir           string        `mapstructure:"dir"`
	GrabCommand   string        `mapstructure:"grab_command"`
	FrameInterval time.Duration `mapstructure:"frame_interval"`
	Settle        time.Duration `mapstructure:"settle"`
}

// StorageConfig holds object storage settings for snapshot uploads.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"` // #nosec G117 -- config deserialization
	Scheme    string `mapstructure:"scheme"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
}

// SerialConfig controls the serial trigger listener.
type SerialConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Port     string            `mapstructure:"port"`
	Baud     int               `mapstructure:"baud"`
	Triggers map[string]string `mapstructure:"triggers"` // token -> command
}

// ServerConfig holds the control socket and metrics listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	Socket string `mapstructure:"socket"`
}

// NATSConfig holds desk bus settings. An empty host keeps it in-process.
type NATSConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Token string `mapstructure:"token"`
}

// SecurityConfig holds application-level security settings.
type SecurityConfig struct {
	CommandSecret string `mapstructure:"command_secret"`
}

// ErrMissingCredentials is returned when cloud polling is enabled without
// the credential triple.
var ErrMissingCredentials = errors.New("cloud.env_id, cloud.app_id and cloud.secret are required when cloud.enabled is true")

// ErrTriggerFormat is returned when serial.triggers is not a table of
// TOKEN = "command" pairs.
var ErrTriggerFormat = errors.New(`serial.triggers must be a table of TOKEN = "command" pairs`)

// LoadConfig reads configuration from an optional .env file, the TOML
// config file, and DESKBRIDGE_* environment variables, then unseals any
// ENC[...] values.
func LoadConfig(cfgFile string) (Config, error) {
	// .env is optional; existing environment variables win.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		_ = godotenv.Load(filepath.Join(filepath.Dir(cfgFile), ".env"))
	} else {
		v.SetConfigName("deskbridge")
		v.AddConfigPath("/etc/deskbridge")
		v.AddConfigPath("$HOME/.config/deskbridge")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DESKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("cloud.env_id", "DESKBRIDGE_CLOUD_ENV_ID")
	v.BindEnv("cloud.app_id", "DESKBRIDGE_CLOUD_APP_ID")
	v.BindEnv("cloud.secret", "DESKBRIDGE_CLOUD_SECRET")
	v.BindEnv("storage.secret_id", "DESKBRIDGE_STORAGE_SECRET_ID")
	v.BindEnv("storage.secret_key", "DESKBRIDGE_STORAGE_SECRET_KEY")
	v.BindEnv("nats.token", "DESKBRIDGE_NATS_TOKEN")
	v.BindEnv("security.command_secret", "DESKBRIDGE_COMMAND_SECRET")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	if err := secrets.UnsealConfig(v); err != nil {
		return Config{}, err
	}
	// An array of tables would be merged into a single map by weak decoding.
	switch v.Get("serial.triggers").(type) {
	case []any, []map[string]any:
		return Config{}, ErrTriggerFormat
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	v.SetDefault("cloud.enabled", true)
	v.SetDefault("cloud.poll_interval", time.Second)
	v.SetDefault("cloud.collection", "commands")
	v.SetDefault("cloud.upload_collection", "photo")
	v.SetDefault("cloud.api_base", cloudbase.DefaultAPIBase)
	v.SetDefault("cloud.request_timeout", 10*time.Second)
	v.SetDefault("cloud.token_margin", 60*time.Second)

	v.SetDefault("command.timeout", 60*time.Second)
	v.SetDefault("command.script_dir", "/home/elf/main")
	v.SetDefault("command.interpreter", "python3")

	v.SetDefault("ui.app", "desk")
	v.SetDefault("ui.queue_size", 64)
	v.SetDefault("ui.tick", 30*time.Millisecond)

	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.dir", filepath.Join(homeDir, ".local", "share", "deskbridge", "captures"))
	v.SetDefault("capture.frame_interval", 100*time.Millisecond)
	v.SetDefault("capture.settle", 500*time.Millisecond)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.scheme", "https")
	v.SetDefault("storage.prefix", "captures")

	v.SetDefault("serial.enabled", false)
	v.SetDefault("serial.port", "/dev/ttyS9")
	v.SetDefault("serial.baud", 9600)

	v.SetDefault("server.listen", "")
	v.SetDefault("server.socket", sockpath.DefaultSocketPath())
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	if c.Cloud.Enabled && (c.Cloud.EnvID == "" || c.Cloud.AppID == "" || c.Cloud.Secret == "") {
		return ErrMissingCredentials
	}
	if c.Cloud.PollInterval <= 0 {
		return errors.New("cloud.poll_interval must be positive")
	}
	if c.Command.Timeout <= 0 {
		return errors.New("command.timeout must be positive")
	}
	for token, content := range c.Serial.Triggers {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(content) == "" {
			return fmt.Errorf("serial.triggers: token %q has an empty token or command", token)
		}
	}
	if c.Storage.Enabled && (c.Storage.Bucket == "" || c.Storage.Region == "") && c.Storage.Endpoint == "" {
		return errors.New("storage.bucket and storage.region are required when storage.enabled is true")
	}
	return nil
}
