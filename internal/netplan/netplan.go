// Package netplan renders the static addressing document pushed into
// containers that must not take a DHCP lease.
package netplan

import (
	"errors"
	"fmt"
	"net"

	"gopkg.in/yaml.v2"
)

const version = 2

// DefaultPath is where the document is pushed inside a container.
const DefaultPath = "/etc/netplan/50-rdkb-lab.yaml"

var (
	// ErrInterfaceRequired is returned when no interface name is given.
	ErrInterfaceRequired = errors.New("interface name is required")
	// ErrAddressRequired is returned when a static address is empty.
	ErrAddressRequired = errors.New("at least one static address is required")
)

// Network is the top level netplan document.
type Network struct {
	Network Config `yaml:"network"`
}

// Config holds the netplan version and ethernet definitions.
type Config struct {
	Version   int                 `yaml:"version"`
	Renderer  string              `yaml:"renderer,omitempty"`
	Ethernets map[string]Ethernet `yaml:"ethernets"`
}

// Ethernet is one interface definition.
type Ethernet struct {
	DHCP4       *bool        `yaml:"dhcp4,omitempty"`
	DHCP6       *bool        `yaml:"dhcp6,omitempty"`
	AcceptRA    *bool        `yaml:"accept-ra,omitempty"`
	MACAddress  string       `yaml:"macaddress,omitempty"`
	Addresses   []string     `yaml:"addresses,omitempty"`
	Nameservers *Nameservers `yaml:"nameservers,omitempty"`
	Routes      []Route      `yaml:"routes,omitempty"`
}

// Nameservers configures DNS.
type Nameservers struct {
	Addresses []string `yaml:"addresses,omitempty"`
	Search    []string `yaml:"search,omitempty"`
}

// Route is a static route. "default" is a valid To value.
type Route struct {
	To     string `yaml:"to"`
	Via    string `yaml:"via"`
	Metric int    `yaml:"metric,omitempty"`
}

// StaticAddress describes one interface with fixed addressing.
type StaticAddress struct {
	Interface   string   `mapstructure:"interface"`
	Addresses   []string `mapstructure:"addresses"`
	Gateway4    string   `mapstructure:"gateway4"`
	Gateway6    string   `mapstructure:"gateway6"`
	Nameservers []string `mapstructure:"nameservers"`
	Routes      []Route  `mapstructure:"routes"`
	MACAddress  string   `mapstructure:"mac_address"`
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}

// Generate builds the netplan document for s.
func Generate(s StaticAddress) (*Network, error) {
	if s.Interface == "" {
		return nil, ErrInterfaceRequired
	}
	if len(s.Addresses) == 0 {
		return nil, ErrAddressRequired
	}
	for _, addr := range s.Addresses {
		if _, _, err := net.ParseCIDR(addr); err != nil {
			return nil, fmt.Errorf("invalid static address %s: %w", addr, err)
		}
	}

	eth := Ethernet{
		DHCP4:      Bool(false),
		DHCP6:      Bool(false),
		AcceptRA:   Bool(false),
		MACAddress: s.MACAddress,
		Addresses:  append([]string(nil), s.Addresses...),
	}

	if s.Gateway4 != "" {
		if ip := net.ParseIP(s.Gateway4); ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid IPv4 gateway %s", s.Gateway4)
		}
		eth.Routes = append(eth.Routes, Route{To: "default", Via: s.Gateway4})
	}
	if s.Gateway6 != "" {
		if ip := net.ParseIP(s.Gateway6); ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("invalid IPv6 gateway %s", s.Gateway6)
		}
		eth.Routes = append(eth.Routes, Route{To: "::/0", Via: s.Gateway6})
	}
	for _, r := range s.Routes {
		if net.ParseIP(r.Via) == nil {
			return nil, fmt.Errorf("invalid next hop %s for route %s", r.Via, r.To)
		}
		eth.Routes = append(eth.Routes, r)
	}

	if len(s.Nameservers) > 0 {
		eth.Nameservers = &Nameservers{Addresses: append([]string(nil), s.Nameservers...)}
	}

	return &Network{
		Network: Config{
			Version:   version,
			Ethernets: map[string]Ethernet{s.Interface: eth},
		},
	}, nil
}

// Render generates and marshals the document for s.
func Render(s StaticAddress) ([]byte, error) {
	doc, err := Generate(s)
	if err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal netplan: %w", err)
	}
	return out, nil
}
