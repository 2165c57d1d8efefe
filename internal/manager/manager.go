package manager

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/coreos/go-iptables/iptables"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/appkins-org/rdkb-lab/internal/config"
	"github.com/appkins-org/rdkb-lab/internal/lxd"
	"github.com/appkins-org/rdkb-lab/internal/netplan"
)

// Manager reconciles the lab's bridges, profiles and containers.
type Manager struct {
	containers ContainerController
	bridges    BridgeController
	firewall   FirewallController
	addrs      AddressReader

	// newFirewall builds the firewall client on first use, so commands
	// that never edit rules run on hosts without iptables.
	newFirewall func() (FirewallController, error)
	fs         afero.Fs
	logger     logr.Logger
	config     *config.Config

	bridgeSpecs []BridgeSpec
}

// Option overrides a Manager dependency.
type Option func(*Manager)

// WithContainerController replaces the lxc CLI client.
func WithContainerController(c ContainerController) Option {
	return func(m *Manager) { m.containers = c }
}

// WithBridgeController replaces the netlink bridge controller.
func WithBridgeController(b BridgeController) Option {
	return func(m *Manager) { m.bridges = b }
}

// WithFirewall replaces the iptables client.
func WithFirewall(f FirewallController) Option {
	return func(m *Manager) { m.firewall = f }
}

// WithAddressReader replaces the namespace address reader.
func WithAddressReader(r AddressReader) Option {
	return func(m *Manager) { m.addrs = r }
}

// WithFs sets the filesystem descriptor files are read from.
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

// New creates a new lab manager. A nil cfg is loaded from the environment.
// Bridge kinds are resolved here, once; unsupported bridge names are logged
// and skipped.
func New(logger logr.Logger, cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := &Manager{
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(m)
	}

	specs, err := ParseBridgeSpecs(cfg.Topology.Bridges)
	if err != nil {
		logger.Error(err, "Skipping unsupported bridges")
	}
	m.bridgeSpecs = specs

	if m.fs == nil {
		m.fs = afero.NewOsFs()
	}
	if m.containers == nil {
		m.containers = lxd.New(logger, lxd.WithBinary(cfg.LXD.Binary), lxd.WithFs(m.fs))
	}
	if m.bridges == nil || m.addrs == nil {
		host := NewNetlinkBridges(logger)
		if m.bridges == nil {
			m.bridges = host
		}
		if m.addrs == nil {
			m.addrs = host
		}
	}
	if m.newFirewall == nil {
		m.newFirewall = func() (FirewallController, error) {
			return iptables.New()
		}
	}

	return m, nil
}

func (m *Manager) firewallClient() (FirewallController, error) {
	if m.firewall != nil {
		return m.firewall, nil
	}
	fw, err := m.newFirewall()
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables client: %w", err)
	}
	m.firewall = fw
	return fw, nil
}

// Bridges returns the resolved bridge declarations.
func (m *Manager) Bridges() []BridgeSpec {
	return append([]BridgeSpec(nil), m.bridgeSpecs...)
}

func (m *Manager) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.config.Paths.BaseDir, path)
}

// ContainerSpecFor reads the descriptor files of a declared container.
// Static addressing is rendered into a netplan document.
func (m *Manager) ContainerSpecFor(ct config.ContainerConfig) (ContainerSpec, error) {
	spec := ContainerSpec{
		BaseImage: ct.Image,
		Name:      ct.Name,
		Alias:     ct.Alias,
		Services:  ct.Services,
	}

	if ct.Profile != "" {
		path := m.resolvePath(ct.Profile)
		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return ContainerSpec{}, fmt.Errorf("failed to read profile for %s: %w", ct.Name, err)
		}
		if _, err := lxd.ParseProfile(data); err != nil {
			return ContainerSpec{}, fmt.Errorf("invalid profile %s: %w", path, err)
		}
		spec.ProfileYAML = data
	}

	switch {
	case ct.Netplan != "":
		data, err := afero.ReadFile(m.fs, m.resolvePath(ct.Netplan))
		if err != nil {
			return ContainerSpec{}, fmt.Errorf("failed to read netplan for %s: %w", ct.Name, err)
		}
		spec.Netplan = data
	case ct.Static != nil:
		data, err := netplan.Render(*ct.Static)
		if err != nil {
			return ContainerSpec{}, fmt.Errorf("failed to render netplan for %s: %w", ct.Name, err)
		}
		spec.Netplan = data
	}

	return spec, nil
}

// ClientSpecFor fills unset client fields from the container defaults.
func (m *Manager) ClientSpecFor(cl config.ClientConfig) ClientSpec {
	spec := ClientSpec{
		Name:        cl.Name,
		BaseImage:   cl.Image,
		LANBridge:   cl.LANBridge,
		WLANBridge:  cl.WLANBridge,
		VLAN:        cl.VLAN,
		Memory:      cl.Memory,
		CPU:         cl.CPU,
		StoragePool: cl.StoragePool,
	}
	if spec.LANBridge == "" {
		spec.LANBridge = m.config.Containers.ClientLANBridge
	}
	if spec.Memory == "" {
		spec.Memory = m.config.Containers.ClientMemory
	}
	if spec.CPU == "" {
		spec.CPU = m.config.Containers.ClientCPU
	}
	if spec.StoragePool == "" {
		spec.StoragePool = m.config.LXD.StoragePool
	}
	return spec
}

// ReconcileContainer recreates the declared standard container and starts
// its services.
func (m *Manager) ReconcileContainer(ctx context.Context, name string) error {
	ct, ok := m.config.Container(name)
	if !ok {
		return fmt.Errorf("container %s is not declared", name)
	}
	spec, err := m.ContainerSpecFor(ct)
	if err != nil {
		return err
	}
	if err := m.CreateStandardContainer(ctx, spec); err != nil {
		return err
	}
	return m.EnableServices(ctx, spec.Name, spec.Services)
}

// ReconcileClient recreates the declared client container.
func (m *Manager) ReconcileClient(ctx context.Context, name string) error {
	cl, ok := m.config.Client(name)
	if !ok {
		return fmt.Errorf("client %s is not declared", name)
	}
	return m.CreateClientContainer(ctx, m.ClientSpecFor(cl))
}

// Up brings the whole declared topology up: preflight, images, bridges,
// standard containers, clients and the optional connectivity check.
func (m *Manager) Up(ctx context.Context) error {
	m.logger.Info("Starting lab", "bridges", len(m.bridgeSpecs),
		"containers", len(m.config.Topology.Containers), "clients", len(m.config.Topology.Clients))

	if err := m.Preflight(ctx); err != nil {
		return err
	}
	if err := m.EnsureImages(ctx); err != nil {
		return err
	}
	if err := m.ReconcileBridges(ctx); err != nil {
		return fmt.Errorf("failed to reconcile bridges: %w", err)
	}

	for _, ct := range m.config.Topology.Containers {
		if err := m.ReconcileContainer(ctx, ct.Name); err != nil {
			return err
		}
	}
	for _, cl := range m.config.Topology.Clients {
		if err := m.ReconcileClient(ctx, cl.Name); err != nil {
			return err
		}
	}

	if check := m.config.NetworkCheck; check.Container != "" {
		if err := m.WaitForNetwork(ctx, check.Container, check.Target); err != nil {
			return err
		}
	}

	m.logger.Info("Lab is up")
	return nil
}

// Destroy deletes the managed containers and their profiles in reverse
// order and removes the NAT passthrough rule. Bridges are left in place.
func (m *Manager) Destroy(ctx context.Context) error {
	var names []string
	for _, ct := range m.config.Topology.Containers {
		names = append(names, ct.Name)
	}
	for _, cl := range m.config.Topology.Clients {
		names = append(names, cl.Name)
	}

	var errs error
	for i := len(names) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		name := names[i]
		if err := m.containers.DeleteContainer(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete container %s: %w", name, err))
			continue
		}
		if err := m.containers.DeleteProfile(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete profile %s: %w", name, err))
			continue
		}
		m.logger.V(2).Info("Destroyed container", "container", name)
	}

	for _, spec := range m.bridgeSpecs {
		if spec.Kind == BridgeService {
			errs = multierr.Append(errs, m.removeNATRule())
			break
		}
	}

	if errs == nil {
		m.logger.Info("Lab destroyed", "containers", len(names))
	}
	return errs
}
