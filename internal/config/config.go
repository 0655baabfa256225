package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	General    GeneralConfig    `mapstructure:"general"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Constraint ConstraintConfig `mapstructure:"constraint"`
	Media      MediaConfig      `mapstructure:"media"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Signal     SignalConfig     `mapstructure:"signal"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
}

type GeneralConfig struct {
	VacuumInterval time.Duration `mapstructure:"vacuum_interval"`
	StreamGrace    time.Duration `mapstructure:"stream_grace"`
	// ReaderPolicy is keep or disconnect.
	ReaderPolicy string `mapstructure:"reader_policy"`
}

type BrokerConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ConstraintConfig struct {
	Writer WriterConstraint `mapstructure:"writer"`
}

// WriterConstraint caps the REMB a writer may be configured with. Zero
// means unbounded.
type WriterConstraint struct {
	MaxVideoREMB uint32 `mapstructure:"max_video_remb"`
	MaxAudioREMB uint32 `mapstructure:"max_audio_remb"`
}

type MediaConfig struct {
	// Engine is sdp (answers only) or webrtc (PeerConnection per handle).
	Engine     string   `mapstructure:"engine"`
	ICEServers []string `mapstructure:"ice_servers"`
	VideoCodec string   `mapstructure:"video_codec"`
}

type UploadConfig struct {
	Backends   []string `mapstructure:"backends"`
	Script     string   `mapstructure:"script"`
	RecordsDir string   `mapstructure:"records_dir"`
}

type SignalConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

const (
	EngineSDP    = "sdp"
	EngineWebRTC = "webrtc"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "conference-secret")

	v.SetDefault("general.vacuum_interval", "30s")
	v.SetDefault("general.stream_grace", "60s")
	v.SetDefault("general.reader_policy", "keep")
	v.SetDefault("broker.timeout", "30s")
	v.SetDefault("constraint.writer.max_video_remb", 0)
	v.SetDefault("constraint.writer.max_audio_remb", 0)

	v.SetDefault("media.engine", EngineSDP)
	v.SetDefault("media.ice_servers", []string{})
	v.SetDefault("media.video_codec", "vp8")

	v.SetDefault("upload.backends", []string{})
	v.SetDefault("upload.script", "./upload_record.sh")
	v.SetDefault("upload.records_dir", "./records")

	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_interval", "1s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "conference")
	v.SetDefault("mqtt.topic_prefix", "conference")
}

// Load reads config/config.<CONFIG_ENV>.yaml (or --config), then APP_*
// environment variables, then command line flags.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("conference", pflag.ContinueOnError)
	file := fs.String("config", "", "config file path")
	fs.Int("port", 0, "HTTP listen port")
	fs.String("log-level", "", "log level")
	fs.String("media-engine", "", "media engine: sdp or webrtc")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"port":         "port",
		"log_level":    "log-level",
		"media.engine": "media-engine",
	} {
		if f := fs.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	fileName := *file
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		if *file != "" {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("media_engine", cfg.Media.Engine).Str("reader_policy", cfg.General.ReaderPolicy).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Media.Engine {
	case EngineSDP, EngineWebRTC:
	default:
		errs = append(errs, fmt.Errorf("unknown media engine %q", c.Media.Engine))
	}
	switch c.General.ReaderPolicy {
	case "", "keep", "disconnect":
	default:
		errs = append(errs, fmt.Errorf("unknown reader policy %q", c.General.ReaderPolicy))
	}
	if c.General.VacuumInterval <= 0 {
		errs = append(errs, errors.New("general.vacuum_interval must be positive"))
	}
	if c.Broker.Timeout <= 0 {
		errs = append(errs, errors.New("broker.timeout must be positive"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	return errors.Join(errs...)
}
