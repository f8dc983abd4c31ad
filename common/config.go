package common

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultReadBufferSize is the read-ahead window of one open file.
const DefaultReadBufferSize = 10 * 1024 * 1024

type DriveFSConfig struct {
	// Directory the drive is mounted on
	MountPoint string `mapstructure:"mount_point" yaml:"-" validate:"required"`

	// Refresh token used to obtain access tokens
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token" lc:"also read from REFRESH_TOKEN" validate:"required"`

	// Directory where the rotated refresh token is persisted
	Workdir string `mapstructure:"workdir" yaml:"workdir" lc:"refresh_token is stored here when set"`

	// Aliyun PDS domain id, empty for the public Aliyun Drive
	DomainID string `mapstructure:"domain_id" yaml:"domain_id" lc:"aliyun pds domain id"`

	// Let other users (e.g. a media server account) access the mount
	AllowOther bool `mapstructure:"allow_other" yaml:"allow_other" lc:"needs user_allow_other in /etc/fuse.conf"`

	// Unmount on SIGINT/SIGTERM
	AutoUnmount bool `mapstructure:"auto_unmount" yaml:"auto_unmount" lc:"unmount when the process is interrupted"`

	// Whether to enable go fuse's debug mode
	FuseDebug bool `mapstructure:"fuse_debug" yaml:"fuse_debug" lc:"log every kernel request"`

	// Size of the read-ahead window of each open file
	ReadBufferSize ByteSize `mapstructure:"read_buffer_size" yaml:"read_buffer_size" lc:"read-ahead per open file" validate:"gte=4096"`

	// How long a directory listing is served from memory
	ListingTTL time.Duration `mapstructure:"listing_ttl" yaml:"listing_ttl" lc:"bounded staleness of directory listings" validate:"gte=0s"`

	// Kernel side caching of names and attributes
	EntryTimeout time.Duration `mapstructure:"entry_timeout" yaml:"entry_timeout" lc:"kernel dentry cache timeout" validate:"gte=0s"`
	AttrTimeout  time.Duration `mapstructure:"attr_timeout" yaml:"attr_timeout" lc:"kernel attribute cache timeout" validate:"gte=0s"`

	Retry RetryPolicy `mapstructure:"retry" yaml:"retry"`

	API APIConfig `mapstructure:"api" yaml:"api"`

	// Address for the prometheus endpoint, empty disables it
	MetricsAddress string `mapstructure:"metrics_address" yaml:"metrics_address" lc:"e.g. 127.0.0.1:9120, empty disables metrics" validate:"omitempty,hostname_port"`

	Log LogConfig `mapstructure:"log" yaml:"log"`
}

type APIConfig struct {
	// Sustained requests per second against the drive API, 0 disables limiting
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" lc:"requests per second, 0 disables limiting" validate:"gte=0"`

	// Requests allowed in a burst
	Burst int `mapstructure:"burst" yaml:"burst" lc:"burst size of the rate limiter" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" lc:"debug, info, warn or error" validate:"oneof=debug info warn error"`
	File   string `mapstructure:"file" yaml:"file" lc:"json log file, empty disables it"`
	Silent bool   `mapstructure:"silent" yaml:"silent" lc:"disable console logging"`
}

// ByteSize is a byte count that decodes from "10MiB" style strings.
type ByteSize uint64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// ParseByteSize accepts plain numbers and humanized sizes ("10MiB", "4 MB").
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() DriveFSConfig {
	return DriveFSConfig{
		AutoUnmount:    true,
		ReadBufferSize: DefaultReadBufferSize,
		ListingTTL:     time.Minute,
		EntryTimeout:   time.Second,
		AttrTimeout:    time.Second,
		Retry:          DefaultRetryPolicy(),
		API: APIConfig{
			RateLimit: 10,
			Burst:     20,
		},
		Log: LogConfig{Level: "info"},
	}
}

// SetDefaults registers every key with viper so env lookups and
// Unmarshal see all of them.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("mount_point", "")
	v.SetDefault("refresh_token", "")
	v.SetDefault("workdir", "")
	v.SetDefault("domain_id", "")
	v.SetDefault("allow_other", d.AllowOther)
	v.SetDefault("auto_unmount", d.AutoUnmount)
	v.SetDefault("fuse_debug", d.FuseDebug)
	v.SetDefault("read_buffer_size", d.ReadBufferSize.String())
	v.SetDefault("listing_ttl", d.ListingTTL)
	v.SetDefault("entry_timeout", d.EntryTimeout)
	v.SetDefault("attr_timeout", d.AttrTimeout)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)
	v.SetDefault("api.rate_limit", d.API.RateLimit)
	v.SetDefault("api.burst", d.API.Burst)
	v.SetDefault("metrics_address", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.silent", d.Log.Silent)
}

// LoadConfig reads defaults, the config file, DRIVEFS_* variables and
// REFRESH_TOKEN into a validated DriveFSConfig. Flags must already be bound
// to v. An empty configFile searches ./config.yaml and
// $HOME/.config/drivefs/config.yaml.
func LoadConfig(v *viper.Viper, configFile string) (*DriveFSConfig, error) {
	SetDefaults(v)

	v.SetEnvPrefix("DRIVEFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("refresh_token", "DRIVEFS_REFRESH_TOKEN", "REFRESH_TOKEN"); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/drivefs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	config, err := DecodeConfig(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// DecodeConfig unmarshals v without validating.
func DecodeConfig(v *viper.Viper) (*DriveFSConfig, error) {
	config := &DriveFSConfig{}
	err := v.Unmarshal(config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeHook(),
	)))
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return config, nil
}

// ValidateConfig checks ranges and required keys.
func ValidateConfig(config *DriveFSConfig) error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseByteSize(data.(string))
	}
}
