package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-logr/logr"
	"github.com/lorenzosaino/go-sysctl"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// NetlinkBridges manages host bridges through rtnetlink and sysctl.
type NetlinkBridges struct {
	logger logr.Logger
}

var (
	_ BridgeController = (*NetlinkBridges)(nil)
	_ AddressReader    = (*NetlinkBridges)(nil)
)

// NewNetlinkBridges returns a BridgeController for the host namespace.
func NewNetlinkBridges(logger logr.Logger) *NetlinkBridges {
	return &NetlinkBridges{logger: logger.WithName("netlink")}
}

func isLinkNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound) || strings.Contains(err.Error(), "Link not found")
}

// LinkState reports whether name exists, is a bridge, filters VLANs and is
// up, plus its global addresses. A missing link is not an error.
func (b *NetlinkBridges) LinkState(name string) (LinkState, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return LinkState{}, nil
		}
		return LinkState{}, fmt.Errorf("failed to find link %s: %w", name, err)
	}

	state := LinkState{
		Exists: true,
		Up:     link.Attrs().Flags&net.FlagUp != 0,
	}
	if br, ok := link.(*netlink.Bridge); ok {
		state.IsBridge = true
		state.VLANFiltering = br.VlanFiltering != nil && *br.VlanFiltering
	}

	addrs, err := globalAddrs(netlink.AddrList, link)
	if err != nil {
		return LinkState{}, fmt.Errorf("failed to list addresses on %s: %w", name, err)
	}
	for _, addr := range addrs {
		state.Addresses = append(state.Addresses, addr.IPNet.String())
	}
	return state, nil
}

// CreateBridge adds a Linux bridge. An existing link of the same name is
// left untouched.
func (b *NetlinkBridges) CreateBridge(name string, opts BridgeOptions) error {
	br := &netlink.Bridge{
		LinkAttrs: netlink.LinkAttrs{Name: name},
	}
	if opts.VLANFiltering {
		on := true
		br.VlanFiltering = &on
		if opts.DefaultPVID > 0 {
			pvid := opts.DefaultPVID
			br.VlanDefaultPVID = &pvid
		}
	}

	if err := netlink.LinkAdd(br); err != nil {
		if !strings.Contains(err.Error(), "file exists") {
			return fmt.Errorf("failed to create bridge %s: %w", name, err)
		}
		b.logger.V(3).Info("Not creating bridge, already exists", "bridge", name)
		return nil
	}

	b.logger.V(3).Info("Created bridge", "bridge", name, "vlan_filtering", opts.VLANFiltering)
	return nil
}

// SetVLANFiltering toggles vlan_filtering on a bridge.
func (b *NetlinkBridges) SetVLANFiltering(name string, enabled bool) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}
	br, ok := link.(*netlink.Bridge)
	if !ok {
		return fmt.Errorf("link %s is a %s, not a bridge", name, link.Type())
	}
	if err := netlink.BridgeSetVlanFiltering(br, enabled); err != nil {
		return fmt.Errorf("failed to set vlan_filtering=%t on %s: %w", enabled, name, err)
	}
	b.logger.V(3).Info("Set VLAN filtering", "bridge", name, "enabled", enabled)
	return nil
}

// SetLinkUp sets a network interface up.
func (b *NetlinkBridges) SetLinkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to set link %s up: %w", name, err)
	}
	return nil
}

// SetLinkDown sets a network interface down.
func (b *NetlinkBridges) SetLinkDown(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("failed to set link %s down: %w", name, err)
	}
	return nil
}

// FlushAddresses removes every global address from the link. IPv6
// link-local addresses are kept.
func (b *NetlinkBridges) FlushAddresses(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", name, err)
	}

	addrs, err := globalAddrs(netlink.AddrList, link)
	if err != nil {
		return fmt.Errorf("failed to list addresses on %s: %w", name, err)
	}
	for i := range addrs {
		if err := netlink.AddrDel(link, &addrs[i]); err != nil {
			if strings.Contains(err.Error(), "no such address") ||
				strings.Contains(err.Error(), "cannot assign requested address") {
				continue
			}
			return fmt.Errorf("failed to delete address %s from %s: %w", addrs[i].IPNet, name, err)
		}
		b.logger.V(3).Info("Flushed address", "bridge", name, "address", addrs[i].IPNet.String())
	}
	return nil
}

// DisableIPv6RA stops the bridge from accepting router advertisements.
func (b *NetlinkBridges) DisableIPv6RA(name string) error {
	key := fmt.Sprintf("net.ipv6.conf.%s.accept_ra", name)
	if err := sysctl.Set(key, "0"); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Addresses returns the global addresses of iface inside the network
// namespace of pid.
func (b *NetlinkBridges) Addresses(pid int, iface string) ([]string, error) {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open netns of pid %d: %w", pid, err)
	}
	defer func() {
		if err := ns.Close(); err != nil {
			b.logger.V(1).Info("Failed to close container netns", "pid", pid, "error", err)
		}
	}()

	// Create a netlink handle for the container namespace
	nsHandle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to create netlink handle for container namespace: %w", err)
	}
	defer nsHandle.Delete()

	link, err := nsHandle.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to find link %s in container namespace: %w", iface, err)
	}

	addrs, err := globalAddrs(nsHandle.AddrList, link)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses on %s: %w", iface, err)
	}

	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.IPNet.String())
	}
	return out, nil
}

// globalAddrs lists addresses of every family and drops IPv6 link-local ones.
func globalAddrs(list func(netlink.Link, int) ([]netlink.Addr, error), link netlink.Link) ([]netlink.Addr, error) {
	addrs, err := list(link, unix.AF_UNSPEC)
	if err != nil {
		return nil, err
	}
	out := addrs[:0]
	for _, addr := range addrs {
		if addr.IP.To4() == nil && addr.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// ContainerAddresses returns the live addresses of iface inside a running
// container, read from its network namespace.
func (m *Manager) ContainerAddresses(ctx context.Context, name, iface string) ([]string, error) {
	state, err := m.containers.State(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get state of %s: %w", name, err)
	}
	if !state.Running() || state.PID == 0 {
		return nil, fmt.Errorf("container %s is not running", name)
	}

	addrs, err := m.addrs.Addresses(state.PID, iface)
	if err != nil {
		return nil, err
	}
	m.logger.V(3).Info("Read container addresses", "container", name, "interface", iface, "addresses", addrs)
	return addrs, nil
}
