package lxd

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// Profile is the document accepted by `lxc profile edit`.
type Profile struct {
	Description string                       `yaml:"description"`
	Config      map[string]string            `yaml:"config"`
	Devices     map[string]map[string]string `yaml:"devices"`
}

// NewProfile returns an empty profile.
func NewProfile(description string) *Profile {
	return &Profile{
		Description: description,
		Config:      map[string]string{},
		Devices:     map[string]map[string]string{},
	}
}

// SetLimits sets the memory and CPU limits. Empty values are left unset.
func (p *Profile) SetLimits(memory, cpu string) *Profile {
	if memory != "" {
		p.Config["limits.memory"] = memory
	}
	if cpu != "" {
		p.Config["limits.cpu"] = cpu
	}
	return p
}

// AddNIC binds a bridged interface. vlan 0 leaves the port untagged and an
// empty hwaddr lets LXD pick one.
func (p *Profile) AddNIC(device, parent string, vlan int, hwaddr string) *Profile {
	p.Devices[device] = NICDevice(parent, device, vlan, hwaddr)
	return p
}

// AddRootDisk adds the root filesystem device on pool.
func (p *Profile) AddRootDisk(pool string) *Profile {
	p.Devices["root"] = RootDiskDevice(pool)
	return p
}

// ParseProfile decodes a profile document.
func ParseProfile(data []byte) (*Profile, error) {
	p := NewProfile("")
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return p, nil
}

// NICDevice returns the properties of a bridged nic device.
func NICDevice(parent, name string, vlan int, hwaddr string) map[string]string {
	nic := map[string]string{
		"type":    "nic",
		"nictype": "bridged",
		"parent":  parent,
		"name":    name,
	}
	if vlan > 0 {
		nic["vlan"] = fmt.Sprint(vlan)
	}
	if hwaddr != "" {
		nic["hwaddr"] = hwaddr
	}
	return nic
}

// RootDiskDevice returns the properties of a root disk device.
func RootDiskDevice(pool string) map[string]string {
	return map[string]string{
		"type": "disk",
		"path": "/",
		"pool": pool,
	}
}

// SplitDevice separates the device type from the remaining properties, the
// shape `lxc profile device add` expects.
func SplitDevice(dev map[string]string) (string, map[string]string) {
	props := make(map[string]string, len(dev))
	for k, v := range dev {
		if k != "type" {
			props[k] = v
		}
	}
	return dev["type"], props
}
