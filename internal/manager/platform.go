package manager

import (
	"context"
	"os"

	"github.com/appkins-org/rdkb-lab/internal/lxd"
)

// LinkState is the observed state of a host bridge.
type LinkState struct {
	Exists        bool
	IsBridge      bool
	VLANFiltering bool
	Up            bool
	Addresses     []string
}

// BridgeOptions describes how a host bridge is created.
type BridgeOptions struct {
	VLANFiltering bool
	DefaultPVID   uint16
}

// BridgeController mutates host Linux bridges.
type BridgeController interface {
	LinkState(name string) (LinkState, error)
	CreateBridge(name string, opts BridgeOptions) error
	SetVLANFiltering(name string, enabled bool) error
	SetLinkUp(name string) error
	SetLinkDown(name string) error
	FlushAddresses(name string) error
	DisableIPv6RA(name string) error
}

// FirewallController checks and edits host firewall rules.
// *iptables.IPTables satisfies it.
type FirewallController interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

// AddressReader reads interface addresses inside another network namespace.
type AddressReader interface {
	Addresses(pid int, iface string) ([]string, error)
}

// ContainerController drives the container hypervisor's control plane:
// networks, images, profiles, instances and their files.
type ContainerController interface {
	Version(ctx context.Context) (string, error)

	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, name string, config map[string]string) error
	SetNetworkConfig(ctx context.Context, name, key, value string) error
	DeleteNetwork(ctx context.Context, name string) error

	ImageExists(ctx context.Context, alias string) (bool, error)
	ImportImage(ctx context.Context, path, alias string) error

	ProfileExists(ctx context.Context, name string) (bool, error)
	CreateProfile(ctx context.Context, name string) error
	DeleteProfile(ctx context.Context, name string) error
	CopyProfile(ctx context.Context, src, dst string) error
	EditProfile(ctx context.Context, name string, content []byte) error
	SetProfileConfig(ctx context.Context, name, key, value string) error
	RemoveProfileDevice(ctx context.Context, profile, device string) error
	AddProfileDevice(ctx context.Context, profile, device, devType string, props map[string]string) error

	DeleteContainer(ctx context.Context, name string) error
	Launch(ctx context.Context, image, name, profile string) error
	Exec(ctx context.Context, name string, args ...string) (string, error)
	PushFile(ctx context.Context, name, path string, content []byte, mode os.FileMode) error
	FileExists(ctx context.Context, name, path string) (bool, error)
	State(ctx context.Context, name string) (lxd.ContainerState, error)
}

var _ ContainerController = (*lxd.Client)(nil)
