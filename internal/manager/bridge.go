package manager

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// BridgeKind selects the reconciliation path of a bridge.
type BridgeKind int

const (
	// BridgeService is the LXD-managed L3 bridge that carries lab services.
	BridgeService BridgeKind = iota
	// BridgeWAN is a plain L2 bridge facing the simulated ISP.
	BridgeWAN
	// BridgeLAN is a VLAN-filtering L2 bridge behind the gateway.
	BridgeLAN
)

func (k BridgeKind) String() string {
	switch k {
	case BridgeService:
		return "service"
	case BridgeWAN:
		return "wan"
	case BridgeLAN:
		return "lan"
	default:
		return fmt.Sprintf("BridgeKind(%d)", int(k))
	}
}

// ServiceBridge is the name of the LXD-managed service network.
const ServiceBridge = "lxdbr1"

var bridgeKinds = map[string]BridgeKind{
	ServiceBridge: BridgeService,
	"wan":         BridgeWAN,
	"cm":          BridgeWAN,
	"lan-p1":      BridgeLAN,
	"lan-p2":      BridgeLAN,
	"lan-p3":      BridgeLAN,
	"lan-p4":      BridgeLAN,
	"br-wlan0":    BridgeLAN,
	"br-wlan1":    BridgeLAN,
	"wanoe":       BridgeLAN,
}

// lanPVID is the default port VLAN of a freshly created LAN bridge.
const lanPVID = 1

// BridgeSpec is a declared bridge with its kind resolved.
type BridgeSpec struct {
	Name string
	Kind BridgeKind
}

// UnsupportedBridgeError reports a bridge name outside the known set.
type UnsupportedBridgeError struct {
	Name string
}

func (e *UnsupportedBridgeError) Error() string {
	return fmt.Sprintf("unsupported bridge %q", e.Name)
}

// ParseBridgeSpecs resolves the kind of every name. Unknown names are left
// out of the result and reported together in the returned error; duplicates
// are dropped silently.
func ParseBridgeSpecs(names []string) ([]BridgeSpec, error) {
	var (
		specs []BridgeSpec
		errs  error
		seen  = make(map[string]bool, len(names))
	)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		kind, ok := bridgeKinds[name]
		if !ok {
			errs = multierr.Append(errs, &UnsupportedBridgeError{Name: name})
			continue
		}
		specs = append(specs, BridgeSpec{Name: name, Kind: kind})
	}
	return specs, errs
}

// ReconcileBridges brings every declared bridge to its desired state. A
// failing bridge does not stop the others; all failures are returned.
func (m *Manager) ReconcileBridges(ctx context.Context) error {
	var errs error
	for _, spec := range m.bridgeSpecs {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := m.ReconcileBridge(ctx, spec); err != nil {
			m.logger.Error(err, "Failed to reconcile bridge", "bridge", spec.Name, "kind", spec.Kind)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ReconcileBridge brings a single bridge to its desired state.
func (m *Manager) ReconcileBridge(ctx context.Context, spec BridgeSpec) error {
	logger := m.logger.WithValues("bridge", spec.Name, "kind", spec.Kind)

	var err error
	switch spec.Kind {
	case BridgeService:
		err = m.reconcileServiceBridge(ctx, spec.Name)
	case BridgeWAN:
		err = m.reconcileWANBridge(spec.Name)
	case BridgeLAN:
		err = m.reconcileLANBridge(spec.Name)
	default:
		err = &UnsupportedBridgeError{Name: spec.Name}
	}
	if err != nil {
		return fmt.Errorf("failed to reconcile bridge %s: %w", spec.Name, err)
	}

	logger.V(2).Info("Reconciled bridge")
	return nil
}

// serviceNetworkSettings returns the LXD network keys reasserted on every
// reconcile, in application order.
func (m *Manager) serviceNetworkSettings() [][2]string {
	ipv6 := m.config.Network.ServiceIPv6
	if ipv6 == "" {
		ipv6 = "none"
	}
	return [][2]string{
		{"ipv4.address", m.config.Network.ServiceIPv4},
		{"ipv6.address", ipv6},
		{"ipv4.dhcp", "false"},
		{"ipv6.dhcp", "false"},
		{"ipv4.nat", "false"},
		{"ipv6.nat", "false"},
	}
}

func (m *Manager) reconcileServiceBridge(ctx context.Context, name string) error {
	exists, err := m.containers.NetworkExists(ctx, name)
	if err != nil {
		return err
	}

	if !exists {
		if err := m.containers.CreateNetwork(ctx, name, nil); err != nil {
			return err
		}
		m.logger.V(2).Info("Created service network", "bridge", name)
	}

	// Settings are reasserted, never diffed.
	for _, kv := range m.serviceNetworkSettings() {
		if err := m.containers.SetNetworkConfig(ctx, name, kv[0], kv[1]); err != nil {
			return err
		}
	}

	return m.ensureNATRule()
}

func (m *Manager) reconcileWANBridge(name string) error {
	state, err := m.bridges.LinkState(name)
	if err != nil {
		return err
	}

	if !state.Exists {
		if err := m.bridges.CreateBridge(name, BridgeOptions{}); err != nil {
			return err
		}
		if err := m.bridges.DisableIPv6RA(name); err != nil {
			m.logger.V(1).Info("Failed to disable IPv6 router advertisements, continuing",
				"bridge", name, "error", err)
		}
		if err := m.bridges.SetLinkUp(name); err != nil {
			return err
		}
		m.logger.V(2).Info("Created WAN bridge", "bridge", name)
		return nil
	}

	if !state.IsBridge {
		return fmt.Errorf("link %s exists but is not a bridge", name)
	}
	if err := m.bridges.FlushAddresses(name); err != nil {
		return err
	}
	if !state.Up {
		return m.bridges.SetLinkUp(name)
	}
	return nil
}

func (m *Manager) reconcileLANBridge(name string) error {
	state, err := m.bridges.LinkState(name)
	if err != nil {
		return err
	}

	switch {
	case !state.Exists:
		opts := BridgeOptions{VLANFiltering: true, DefaultPVID: lanPVID}
		if err := m.bridges.CreateBridge(name, opts); err != nil {
			return err
		}
		if err := m.bridges.SetLinkUp(name); err != nil {
			return err
		}
		m.logger.V(2).Info("Created LAN bridge", "bridge", name)

	case !state.IsBridge:
		return fmt.Errorf("link %s exists but is not a bridge", name)

	case !state.VLANFiltering:
		if err := m.bridges.SetLinkDown(name); err != nil {
			return err
		}
		if err := m.bridges.SetVLANFiltering(name, true); err != nil {
			return err
		}
		if err := m.bridges.SetLinkUp(name); err != nil {
			return err
		}
		m.logger.V(1).Info("Repaired VLAN filtering on LAN bridge", "bridge", name)

	default:
		if err := m.bridges.FlushAddresses(name); err != nil {
			return err
		}
		if !state.Up {
			return m.bridges.SetLinkUp(name)
		}
	}
	return nil
}

const (
	natTable = "nat"
	natChain = "POSTROUTING"
)

// natRule masquerades service traffic except when it stays on the service
// subnet or leaves through the excluded egress interface.
func (m *Manager) natRule() ([]string, error) {
	subnet, err := m.config.Network.ServiceSubnet()
	if err != nil {
		return nil, err
	}
	return []string{
		"-s", subnet,
		"!", "-d", subnet,
		"!", "-o", m.config.Network.NATExcludeInterface,
		"-j", "MASQUERADE",
	}, nil
}

func (m *Manager) ensureNATRule() error {
	rule, err := m.natRule()
	if err != nil {
		return err
	}
	fw, err := m.firewallClient()
	if err != nil {
		return err
	}

	exists, err := fw.Exists(natTable, natChain, rule...)
	if err != nil {
		return fmt.Errorf("failed to check NAT rule: %w", err)
	}
	if exists {
		m.logger.V(3).Info("NAT passthrough rule already present", "rule", rule)
		return nil
	}

	if err := fw.Append(natTable, natChain, rule...); err != nil {
		return fmt.Errorf("failed to add NAT rule: %w", err)
	}
	m.logger.V(2).Info("Added NAT passthrough rule", "rule", rule)
	return nil
}

func (m *Manager) removeNATRule() error {
	rule, err := m.natRule()
	if err != nil {
		return err
	}
	fw, err := m.firewallClient()
	if err != nil {
		return err
	}

	exists, err := fw.Exists(natTable, natChain, rule...)
	if err != nil {
		return fmt.Errorf("failed to check NAT rule: %w", err)
	}
	if !exists {
		return nil
	}

	if err := fw.Delete(natTable, natChain, rule...); err != nil {
		return fmt.Errorf("failed to delete NAT rule: %w", err)
	}
	m.logger.V(2).Info("Removed NAT passthrough rule", "rule", rule)
	return nil
}
