package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/appkins-org/rdkb-lab/internal/naming"
	"github.com/appkins-org/rdkb-lab/internal/netplan"
)

// EnvPrefix is prepended to every environment override, e.g.
// RDKB_LAB_LXD_MIN_VERSION for lxd.min_version.
const EnvPrefix = "RDKB_LAB"

// DefaultBridges is the closed set of bridges the lab knows how to manage.
var DefaultBridges = []string{
	"lxdbr1",
	"wan", "cm",
	"lan-p1", "lan-p2", "lan-p3", "lan-p4",
	"br-wlan0", "br-wlan1",
	"wanoe",
}

// Config holds all configuration settings for the lab.
type Config struct {
	// LXD settings
	LXD LXDConfig `mapstructure:"lxd"`

	// Host network settings
	Network NetworkConfig `mapstructure:"network"`

	// Container boot readiness poll
	Readiness ReadinessConfig `mapstructure:"readiness"`

	// Connectivity check poll
	NetworkCheck NetworkCheckConfig `mapstructure:"network_check"`

	// Per-container defaults
	Containers ContainersConfig `mapstructure:"containers"`

	// Filesystem layout
	Paths PathsConfig `mapstructure:"paths"`

	// Logging settings
	Logging LoggingConfig `mapstructure:"logging"`

	// Declared lab topology
	Topology TopologyConfig `mapstructure:"topology"`
}

// LXDConfig contains settings for the lxc client.
type LXDConfig struct {
	// Path or name of the lxc binary
	Binary string `mapstructure:"binary"`

	// Lowest supported server version (semver constraint floor)
	MinVersion string `mapstructure:"min_version"`

	// Profile cloned before a declared profile is applied
	BaselineProfile string `mapstructure:"baseline_profile"`

	// Storage pool for root disks
	StoragePool string `mapstructure:"storage_pool"`

	// Images that must exist before containers are launched
	Images []ImageConfig `mapstructure:"images"`
}

// ImageConfig names an image alias and where to import it from when missing.
type ImageConfig struct {
	Alias string `mapstructure:"alias"`
	Path  string `mapstructure:"path"`
}

// NetworkConfig contains host network settings.
type NetworkConfig struct {
	// Service bridge IPv4 gateway address in CIDR form (e.g. "10.10.10.1/24")
	ServiceIPv4 string `mapstructure:"service_ipv4"`

	// Service bridge IPv6 gateway address in CIDR form, empty disables IPv6
	ServiceIPv6 string `mapstructure:"service_ipv6"`

	// Egress interface excluded from the service NAT rule
	NATExcludeInterface string `mapstructure:"nat_exclude_interface"`
}

// ServiceSubnet returns the IPv4 network of the service bridge.
func (nc *NetworkConfig) ServiceSubnet() (string, error) {
	_, ipnet, err := net.ParseCIDR(nc.ServiceIPv4)
	if err != nil {
		return "", fmt.Errorf("invalid service IPv4 address %s: %w", nc.ServiceIPv4, err)
	}
	return ipnet.String(), nil
}

// ReadinessConfig controls the boot marker poll.
type ReadinessConfig struct {
	// File whose presence marks a booted container
	Marker string `mapstructure:"marker"`

	Interval time.Duration `mapstructure:"interval"`
	Attempts int           `mapstructure:"attempts"`
}

// NetworkCheckConfig controls the connectivity poll.
type NetworkCheckConfig struct {
	// Container to ping from during "up", empty skips the check
	Container string `mapstructure:"container"`

	// Address pinged from inside the container
	Target string `mapstructure:"target"`

	Interval time.Duration `mapstructure:"interval"`
	Attempts int           `mapstructure:"attempts"`
}

// ContainersConfig holds defaults applied to every container.
type ContainersConfig struct {
	// Line appended to AliasFile when a container asks for the alias
	AliasLine string `mapstructure:"alias_line"`
	AliasFile string `mapstructure:"alias_file"`

	// In-container path of the pushed netplan document
	NetplanPath string `mapstructure:"netplan_path"`

	// Limits for client containers that do not set their own
	ClientMemory string `mapstructure:"client_memory"`
	ClientCPU    string `mapstructure:"client_cpu"`

	// Default LAN bridge for client containers
	ClientLANBridge string `mapstructure:"client_lan_bridge"`
}

// PathsConfig contains filesystem locations.
type PathsConfig struct {
	// Relative profile and netplan paths resolve against this directory
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (text, json)
	Format string `mapstructure:"format"`

	// Highest logr V level that is emitted
	Verbosity int `mapstructure:"verbosity"`
}

// TopologyConfig declares the lab.
type TopologyConfig struct {
	Bridges    []string          `mapstructure:"bridges"`
	Containers []ContainerConfig `mapstructure:"containers"`
	Clients    []ClientConfig    `mapstructure:"clients"`
}

// ContainerConfig declares a standard container.
type ContainerConfig struct {
	Name  string `mapstructure:"name"`
	Image string `mapstructure:"image"`

	// Profile YAML file, relative to paths.base_dir
	Profile string `mapstructure:"profile"`

	// Netplan file, relative to paths.base_dir. Mutually exclusive with Static.
	Netplan string `mapstructure:"netplan"`

	// Static addressing rendered into a netplan document
	Static *netplan.StaticAddress `mapstructure:"static"`

	Alias    bool     `mapstructure:"alias"`
	Services []string `mapstructure:"services"`
}

// ClientConfig declares a lightweight client container.
type ClientConfig struct {
	Name        string `mapstructure:"name"`
	Image       string `mapstructure:"image"`
	LANBridge   string `mapstructure:"lan_bridge"`
	WLANBridge  string `mapstructure:"wlan_bridge"`
	VLAN        int    `mapstructure:"vlan"`
	Memory      string `mapstructure:"memory"`
	CPU         string `mapstructure:"cpu"`
	StoragePool string `mapstructure:"storage_pool"`
}

// NewViper returns a viper instance with search paths, environment binding
// and defaults set. Callers may bind flags before passing it to LoadFrom.
func NewViper() *viper.Viper {
	v := viper.New()

	// Set config name and paths
	v.SetConfigName("rdkb-lab")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/rdkb-lab/")
	v.AddConfigPath("$HOME/.rdkb-lab/")
	v.AddConfigPath("./configs/")
	v.AddConfigPath(".")

	// Set environment variable prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load loads configuration from environment variables, config files, and defaults.
func Load() (*Config, error) {
	return LoadFrom(NewViper())
}

// LoadFrom reads the config file known to v, if any, and decodes it.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
		// Config file not found, continue with defaults and env vars
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// LXD defaults
	v.SetDefault("lxd.binary", getEnvOrDefault("LXC_BINARY", "lxc"))
	v.SetDefault("lxd.min_version", "5.0.0")
	v.SetDefault("lxd.baseline_profile", "default")
	v.SetDefault("lxd.storage_pool", "default")
	v.SetDefault("lxd.images", []ImageConfig{})

	// Network defaults
	v.SetDefault("network.service_ipv4", "10.10.10.1/24")
	v.SetDefault("network.service_ipv6", "2001:dbf:0:1::1/64")
	v.SetDefault("network.nat_exclude_interface", "wan")

	// Readiness defaults
	v.SetDefault("readiness.marker", "/var/lib/cloud/instance/boot-finished")
	v.SetDefault("readiness.interval", time.Second)
	v.SetDefault("readiness.attempts", 30)

	// Network check defaults
	v.SetDefault("network_check.container", "")
	v.SetDefault("network_check.target", "8.8.8.8")
	v.SetDefault("network_check.interval", time.Second)
	v.SetDefault("network_check.attempts", 10)

	// Container defaults
	v.SetDefault("containers.alias_line", "alias ll='ls -alF'")
	v.SetDefault("containers.alias_file", "/root/.bashrc")
	v.SetDefault("containers.netplan_path", netplan.DefaultPath)
	v.SetDefault("containers.client_memory", "128MB")
	v.SetDefault("containers.client_cpu", "1")
	v.SetDefault("containers.client_lan_bridge", "lan-p1")

	// Paths defaults
	v.SetDefault("paths.base_dir", getEnvOrDefault("RDKB_LAB_HOME", "."))

	// Logging defaults
	v.SetDefault("logging.level", getEnvOrDefault("LOG_LEVEL", "info"))
	v.SetDefault("logging.format", getEnvOrDefault("LOG_FORMAT", "text"))
	v.SetDefault("logging.verbosity", 0)

	// Topology defaults
	v.SetDefault("topology.bridges", DefaultBridges)
	v.SetDefault("topology.containers", []ContainerConfig{})
	v.SetDefault("topology.clients", []ClientConfig{})
}

// getEnvOrDefault gets an environment variable or returns a default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate validates the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs error

	if c.LXD.Binary == "" {
		errs = multierr.Append(errs, fmt.Errorf("lxd.binary must not be empty"))
	}

	if ip, _, err := net.ParseCIDR(c.Network.ServiceIPv4); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid network.service_ipv4 %q: %w", c.Network.ServiceIPv4, err))
	} else if ip.To4() == nil {
		errs = multierr.Append(errs, fmt.Errorf("network.service_ipv4 %q is not an IPv4 address", c.Network.ServiceIPv4))
	}
	if c.Network.ServiceIPv6 != "" {
		if ip, _, err := net.ParseCIDR(c.Network.ServiceIPv6); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid network.service_ipv6 %q: %w", c.Network.ServiceIPv6, err))
		} else if ip.To4() != nil {
			errs = multierr.Append(errs, fmt.Errorf("network.service_ipv6 %q is not an IPv6 address", c.Network.ServiceIPv6))
		}
	}

	if c.Readiness.Interval <= 0 || c.Readiness.Attempts <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("readiness interval and attempts must be positive"))
	}
	if c.NetworkCheck.Interval <= 0 || c.NetworkCheck.Attempts <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("network_check interval and attempts must be positive"))
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported logging.format %q", c.Logging.Format))
	}

	for _, img := range c.LXD.Images {
		if img.Alias == "" {
			errs = multierr.Append(errs, fmt.Errorf("lxd.images entry with path %q has no alias", img.Path))
		}
	}

	seen := make(map[string]bool)
	for _, ct := range c.Topology.Containers {
		errs = multierr.Append(errs, checkName(seen, ct.Name))
		if ct.Image == "" {
			errs = multierr.Append(errs, fmt.Errorf("container %s has no image", ct.Name))
		}
		if ct.Netplan != "" && ct.Static != nil {
			errs = multierr.Append(errs, fmt.Errorf("container %s sets both netplan and static", ct.Name))
		}
	}
	for _, cl := range c.Topology.Clients {
		errs = multierr.Append(errs, checkName(seen, cl.Name))
		if cl.Image == "" {
			errs = multierr.Append(errs, fmt.Errorf("client %s has no image", cl.Name))
		}
		if cl.VLAN < 0 || cl.VLAN > 4094 {
			errs = multierr.Append(errs, fmt.Errorf("client %s vlan %d out of range 0-4094", cl.Name, cl.VLAN))
		}
		// An unset VLAN is derived from the name when it is a device identifier.
		if cl.VLAN == 0 && naming.Validate(cl.Name) {
			if _, err := naming.Encode(cl.Name); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("client %s needs an explicit vlan: %w", cl.Name, err))
			}
		}
	}

	return errs
}

func checkName(seen map[string]bool, name string) error {
	if name == "" {
		return fmt.Errorf("topology entry has no name")
	}
	if seen[name] {
		return fmt.Errorf("duplicate container name %s", name)
	}
	seen[name] = true
	return nil
}

// Container returns the standard container declared under name.
func (c *Config) Container(name string) (ContainerConfig, bool) {
	for _, ct := range c.Topology.Containers {
		if ct.Name == name {
			return ct, true
		}
	}
	return ContainerConfig{}, false
}

// Client returns the client container declared under name.
func (c *Config) Client(name string) (ClientConfig, bool) {
	for _, cl := range c.Topology.Clients {
		if cl.Name == name {
			return cl, true
		}
	}
	return ClientConfig{}, false
}
