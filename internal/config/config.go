package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asnowfix/wifimgr/pkg/kvs"
	"github.com/asnowfix/wifimgr/pkg/portal"
	"github.com/asnowfix/wifimgr/pkg/wifi"
	"github.com/asnowfix/wifimgr/pkg/wifi/simradio"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const EnvPrefix = "WIFIMGR"

type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Radio   RadioConfig   `mapstructure:"radio"`
	WiFi    WiFiConfig    `mapstructure:"wifi"`
	Portal  PortalConfig  `mapstructure:"portal"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	MDNS    MDNSConfig    `mapstructure:"mdns"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	OTA     OTAConfig     `mapstructure:"ota"`
}

// StoreConfig places the configuration window inside a file-backed region.
type StoreConfig struct {
	Path       string `mapstructure:"path"`
	RegionSize int    `mapstructure:"region_size"`
	Start      int    `mapstructure:"start"`
	Size       int    `mapstructure:"size"`
}

type RadioConfig struct {
	Driver        string        `mapstructure:"driver"` // nm or sim
	Interface     string        `mapstructure:"interface"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
	SimMAC        string        `mapstructure:"sim_mac"`
	SimAPs        []simradio.AP `mapstructure:"sim_aps"`
}

type WiFiConfig struct {
	BadRSSI                      int           `mapstructure:"bad_rssi"`
	RebootAfterUnsuccessfulTries uint8         `mapstructure:"reboot_after_unsuccessful_tries"`
	TolerateBadRSSI              time.Duration `mapstructure:"tolerate_bad_rssi"`
	ConnectTimeout               time.Duration `mapstructure:"connect_timeout"`
	ScanTimeout                  time.Duration `mapstructure:"scan_timeout"`
	RescanInterval               time.Duration `mapstructure:"rescan_interval"`
	InvalidIPTimeout             time.Duration `mapstructure:"invalid_ip_timeout"`
	NotifyNoWifiAfter            time.Duration `mapstructure:"notify_no_wifi_after"`
}

type PortalConfig struct {
	SSIDPrefix    string        `mapstructure:"ssid_prefix"`
	APPassword    string        `mapstructure:"ap_password"`
	RedirectIndex bool          `mapstructure:"redirect_index"`
	RestartDelay  time.Duration `mapstructure:"restart_delay"`
}

type HTTPConfig struct {
	Listen     string `mapstructure:"listen"`
	MaxPending int    `mapstructure:"max_pending"`
}

type MDNSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Service string `mapstructure:"service"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MQTTConfig enables the status publisher when Broker is set.
type MQTTConfig struct {
	Broker   string        `mapstructure:"broker"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type OTAConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"` // filesystem images
}

// Options maps the tolerances onto the connection manager options.
func (c WiFiConfig) Options() wifi.Options {
	o := wifi.DefaultOptions()
	o.BadRSSI = c.BadRSSI
	o.RebootAfterUnsuccessfulTries = c.RebootAfterUnsuccessfulTries
	o.InvalidIPTimeout = c.InvalidIPTimeout
	o.NotifyNoWifiAfter = c.NotifyNoWifiAfter
	return o
}

// Profile carries the timing tolerances; the identity comes from the store.
func (c WiFiConfig) Profile() wifi.Profile {
	p := wifi.NewProfile("", "", "")
	p.TolerateBadRSSI = c.TolerateBadRSSI
	p.ConnectTimeout = c.ConnectTimeout
	p.ScanTimeout = c.ScanTimeout
	p.RescanInterval = c.RescanInterval
	return p
}

func (c PortalConfig) Options(profile wifi.Profile) portal.Options {
	return portal.Options{
		RedirectIndex: c.RedirectIndex,
		SSIDPrefix:    c.SSIDPrefix,
		APPassword:    c.APPassword,
		Profile:       profile,
		RestartDelay:  c.RestartDelay,
	}
}

// Load merges defaults, the optional --config file, WIFIMGR_* environment
// variables and command line flags, in increasing priority.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if f := cmd.Flags().Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	state := stateDir()

	v.SetDefault("store.path", filepath.Join(state, "config.bin"))
	v.SetDefault("store.region_size", 4096)
	v.SetDefault("store.start", kvs.DefaultStart)
	v.SetDefault("store.size", kvs.DefaultSize)

	v.SetDefault("radio.driver", "nm")
	v.SetDefault("radio.interface", "wlan0")
	v.SetDefault("radio.watch_interval", time.Second)
	v.SetDefault("radio.sim_mac", "02:00:00:ab:cd:ef")

	v.SetDefault("wifi.bad_rssi", wifi.DefaultBadRSSI)
	v.SetDefault("wifi.reboot_after_unsuccessful_tries", 0)
	v.SetDefault("wifi.tolerate_bad_rssi", wifi.DefaultTolerateBadRSSI)
	v.SetDefault("wifi.connect_timeout", wifi.DefaultConnectTimeout)
	v.SetDefault("wifi.scan_timeout", wifi.DefaultScanTimeout)
	v.SetDefault("wifi.rescan_interval", wifi.DefaultRescanInterval)
	v.SetDefault("wifi.invalid_ip_timeout", wifi.DefaultInvalidIPTimeout)
	v.SetDefault("wifi.notify_no_wifi_after", wifi.DefaultNotifyNoWifiAfter)

	v.SetDefault("portal.ssid_prefix", "WifiMgr-")
	v.SetDefault("portal.ap_password", "")
	v.SetDefault("portal.redirect_index", true)
	v.SetDefault("portal.restart_delay", portal.DefaultRestartDelay)

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.max_pending", 16)

	v.SetDefault("mdns.enabled", true)
	v.SetDefault("mdns.service", "_http._tcp")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "wifimgr")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.timeout", 5*time.Second)

	v.SetDefault("ota.enabled", true)
	v.SetDefault("ota.dir", filepath.Join(state, "assets"))
}

// bindFlags binds the flags the command defines; others are skipped.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"store":        "store.path",
		"radio":        "radio.driver",
		"interface":    "radio.interface",
		"listen":       "http.listen",
		"mqtt-broker":  "mqtt.broker",
		"ssid-prefix":  "portal.ssid_prefix",
		"reboot-after": "wifi.reboot_after_unsuccessful_tries",
	}
	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func validate(cfg *Config) error {
	var errs []error

	s := cfg.Store
	if s.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if s.Start < 0 || s.Size <= 0 || s.Start+s.Size > s.RegionSize {
		errs = append(errs, fmt.Errorf("store window [%d,%d) does not fit a region of %d bytes", s.Start, s.Start+s.Size, s.RegionSize))
	}

	switch cfg.Radio.Driver {
	case "nm":
		if cfg.Radio.Interface == "" {
			errs = append(errs, errors.New("radio.interface is required with the nm driver"))
		}
	case "sim":
	default:
		errs = append(errs, fmt.Errorf("unknown radio.driver %q (want nm or sim)", cfg.Radio.Driver))
	}

	if cfg.WiFi.BadRSSI >= 0 {
		errs = append(errs, fmt.Errorf("wifi.bad_rssi must be negative dBm, got %d", cfg.WiFi.BadRSSI))
	}
	if cfg.WiFi.ConnectTimeout <= 0 || cfg.WiFi.ScanTimeout <= 0 {
		errs = append(errs, errors.New("wifi connect and scan timeouts must be positive"))
	}

	// WPA2 passphrases are 8 to 63 characters.
	if n := len(cfg.Portal.APPassword); n != 0 && (n < 8 || n > 63) {
		errs = append(errs, fmt.Errorf("portal.ap_password must be empty or 8 to 63 characters, got %d", n))
	}
	// SSIDs are at most 32 bytes and the prefix gets 6 hex digits appended.
	if len(cfg.Portal.SSIDPrefix) > 26 {
		errs = append(errs, fmt.Errorf("portal.ssid_prefix %q is too long", cfg.Portal.SSIDPrefix))
	}

	if cfg.HTTP.MaxPending <= 0 {
		errs = append(errs, errors.New("http.max_pending must be positive"))
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required with a broker"))
	}
	return errors.Join(errs...)
}

func stateDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/wifimgr"
	}
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "wifimgr")
}
