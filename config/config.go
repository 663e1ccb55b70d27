// Package config loads device identity and runtime settings for the
// usbdc binaries from a config file, environment variables, and
// command-line flags, in ascending precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/celadyne/usbdc/usb"
)

// Identity is the device identity presented during enumeration.
type Identity struct {
	VendorID     uint16 `mapstructure:"vendor_id"`
	ProductID    uint16 `mapstructure:"product_id"`
	Manufacturer string `mapstructure:"manufacturer"`
	Product      string `mapstructure:"product"`
	SerialNumber string `mapstructure:"serial_number"`
}

// Config is the full runtime configuration.
type Config struct {
	Identity      Identity `mapstructure:"identity"`
	Speed         string   `mapstructure:"speed"`           // high, full, low, super
	MetricsListen string   `mapstructure:"metrics_listen"`  // empty disables the metrics server
	LogLevel      string   `mapstructure:"log_level"`       // logrus level name
	ReadOnReceive bool     `mapstructure:"read_on_receive"` // drain OUT FIFOs in interrupt context
}

const envPrefix = "USBDC"

// RegisterFlags declares the command-line flags on fs. Call before
// Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file")
	fs.Uint16("identity.vendor_id", 0x16D0, "USB vendor ID")
	fs.Uint16("identity.product_id", 0x0F3B, "USB product ID")
	fs.String("identity.manufacturer", "Celadyne", "manufacturer string descriptor")
	fs.String("identity.product", "usbdc", "product string descriptor")
	fs.String("identity.serial_number", "0000000000000000", "serial number string descriptor")
	fs.String("speed", "high", "connection speed: high, full, low, super")
	fs.String("metrics_listen", ":9614", "metrics listen address, empty to disable")
	fs.String("log_level", "info", "log level: trace, debug, info, warn, error")
	fs.Bool("read_on_receive", false, "drain OUT FIFOs in interrupt context")
}

// Load resolves the configuration from the given flag set, the
// environment (USBDC_* variables), and the config file named by the
// --config flag, if any.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	decode := func(c *mapstructure.DecoderConfig) {
		c.ErrorUnused = false
		c.WeaklyTypedInput = true
	}
	if err := v.Unmarshal(&cfg, decode); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if _, err := cfg.DeviceSpeed(); err != nil {
		return nil, err
	}
	if _, err := cfg.LogrusLevel(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DeviceSpeed parses the configured speed name.
func (c *Config) DeviceSpeed() (usb.Speed, error) {
	switch strings.ToLower(c.Speed) {
	case "high":
		return usb.SpeedHigh, nil
	case "full":
		return usb.SpeedFull, nil
	case "low":
		return usb.SpeedLow, nil
	case "super":
		return usb.SpeedSuper, nil
	default:
		return 0, fmt.Errorf("unknown speed %q", c.Speed)
	}
}

// LogrusLevel parses the configured log level.
func (c *Config) LogrusLevel() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return level, nil
}

// StringDescriptors returns the identity strings in descriptor index
// order: manufacturer (1), product (2), serial number (3).
func (c *Config) StringDescriptors() []string {
	return []string{
		c.Identity.Manufacturer,
		c.Identity.Product,
		c.Identity.SerialNumber,
	}
}
