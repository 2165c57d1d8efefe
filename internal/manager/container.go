package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/appkins-org/rdkb-lab/internal/lxd"
	"github.com/appkins-org/rdkb-lab/internal/naming"
)

var (
	// ErrNetworkUnreachable is returned when the connectivity poll is exhausted.
	ErrNetworkUnreachable = errors.New("network unreachable")

	errNotReady = errors.New("readiness marker not present")
)

// ContainerSpec declares a standard container.
type ContainerSpec struct {
	BaseImage string
	Name      string

	// ProfileYAML replaces the cloned baseline profile. Empty keeps the baseline.
	ProfileYAML []byte

	// Netplan is pushed and applied when set.
	Netplan []byte

	Alias    bool
	Services []string
}

// ClientSpec declares a lightweight client container whose profile is
// mutated device by device.
type ClientSpec struct {
	Name        string
	BaseImage   string
	LANBridge   string
	WLANBridge  string
	VLAN        int
	Memory      string
	CPU         string
	StoragePool string
}

// clientVLAN returns the VLAN for a client, derived from its name when the
// name is a device identifier and no VLAN is declared.
func clientVLAN(spec ClientSpec) (int, error) {
	if spec.VLAN != 0 || !naming.Validate(spec.Name) {
		return spec.VLAN, nil
	}
	vlan, err := naming.Encode(spec.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to derive VLAN for %s: %w", spec.Name, err)
	}
	return vlan, nil
}

// CreateStandardContainer deletes any container of the same name and builds
// it again from spec. Steps run strictly in order; a failed step aborts
// without rollback.
func (m *Manager) CreateStandardContainer(ctx context.Context, spec ContainerSpec) error {
	logger := m.logger.WithValues("container", spec.Name)

	if err := m.containers.DeleteContainer(ctx, spec.Name); err != nil {
		return fmt.Errorf("failed to remove stale container %s: %w", spec.Name, err)
	}
	logger.V(3).Info("Removed stale container")

	if err := m.recreateProfile(ctx, spec.Name, spec.ProfileYAML); err != nil {
		return err
	}
	logger.V(3).Info("Recreated profile")

	if err := m.containers.Launch(ctx, spec.BaseImage, spec.Name, spec.Name); err != nil {
		return fmt.Errorf("failed to launch container %s: %w", spec.Name, err)
	}
	logger.V(2).Info("Launched container", "image", spec.BaseImage)

	if spec.Alias {
		if err := m.injectAlias(ctx, spec.Name); err != nil {
			return err
		}
	}

	if len(spec.Netplan) > 0 {
		if err := m.applyNetplan(ctx, spec.Name, spec.Netplan); err != nil {
			return err
		}
	}

	if _, err := m.WaitForReady(ctx, spec.Name); err != nil {
		return err
	}

	logger.Info("Container created")
	return nil
}

func (m *Manager) recreateProfile(ctx context.Context, name string, content []byte) error {
	if err := m.containers.DeleteProfile(ctx, name); err != nil {
		return fmt.Errorf("failed to delete profile %s: %w", name, err)
	}
	if err := m.containers.CopyProfile(ctx, m.config.LXD.BaselineProfile, name); err != nil {
		return fmt.Errorf("failed to clone profile %s: %w", m.config.LXD.BaselineProfile, err)
	}
	if len(content) == 0 {
		return nil
	}
	if err := m.containers.EditProfile(ctx, name, content); err != nil {
		return fmt.Errorf("failed to apply profile %s: %w", name, err)
	}
	return nil
}

func (m *Manager) injectAlias(ctx context.Context, name string) error {
	line, file := m.config.Containers.AliasLine, m.config.Containers.AliasFile
	// Positional arguments keep the alias text out of shell parsing.
	_, err := m.containers.Exec(ctx, name, "sh", "-c", `echo "$1" >> "$2"`, "sh", line, file)
	if err != nil {
		return fmt.Errorf("failed to add alias in %s: %w", name, err)
	}
	m.logger.V(3).Info("Added shell alias", "container", name, "file", file)
	return nil
}

func (m *Manager) applyNetplan(ctx context.Context, name string, doc []byte) error {
	path := m.config.Containers.NetplanPath
	if err := m.containers.PushFile(ctx, name, path, doc, 0o600); err != nil {
		return fmt.Errorf("failed to push netplan to %s: %w", name, err)
	}
	if _, err := m.containers.Exec(ctx, name, "netplan", "apply"); err != nil {
		return fmt.Errorf("failed to apply netplan in %s: %w", name, err)
	}
	m.logger.V(2).Info("Applied static network configuration", "container", name, "path", path)
	return nil
}

// Client profile keys and devices, in the order they are applied.
var (
	clientConfigKeys = []string{"limits.memory", "limits.cpu"}
	clientDevices    = []string{"eth0", "eth1", "root"}
)

// CreateClientContainer recreates a client container. The profile is kept
// and its limits, nics and root disk are replaced one by one.
func (m *Manager) CreateClientContainer(ctx context.Context, spec ClientSpec) error {
	vlan, err := clientVLAN(spec)
	if err != nil {
		return err
	}
	logger := m.logger.WithValues("container", spec.Name, "vlan", vlan)

	if err := m.containers.DeleteContainer(ctx, spec.Name); err != nil {
		return fmt.Errorf("failed to remove stale container %s: %w", spec.Name, err)
	}

	exists, err := m.containers.ProfileExists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to look up profile %s: %w", spec.Name, err)
	}
	if !exists {
		if err := m.containers.CreateProfile(ctx, spec.Name); err != nil {
			return fmt.Errorf("failed to create profile %s: %w", spec.Name, err)
		}
	}

	desired := lxd.NewProfile("").
		SetLimits(spec.Memory, spec.CPU).
		AddNIC("eth0", spec.LANBridge, vlan, PrimaryMAC(spec.Name).String())
	if spec.WLANBridge != "" {
		desired.AddNIC("eth1", spec.WLANBridge, 0, SecondaryMAC(spec.Name).String())
	}
	desired.AddRootDisk(spec.StoragePool)

	for _, key := range clientConfigKeys {
		value, ok := desired.Config[key]
		if !ok {
			continue
		}
		if err := m.containers.SetProfileConfig(ctx, spec.Name, key, value); err != nil {
			return fmt.Errorf("failed to set %s on profile %s: %w", key, spec.Name, err)
		}
	}
	for _, device := range clientDevices {
		dev, ok := desired.Devices[device]
		if !ok {
			continue
		}
		if err := m.replaceDevice(ctx, spec.Name, device, dev); err != nil {
			return err
		}
	}
	logger.V(3).Info("Updated client profile")

	if err := m.containers.Launch(ctx, spec.BaseImage, spec.Name, spec.Name); err != nil {
		return fmt.Errorf("failed to launch container %s: %w", spec.Name, err)
	}

	logger.Info("Client container created", "image", spec.BaseImage)
	return nil
}

func (m *Manager) replaceDevice(ctx context.Context, profile, device string, dev map[string]string) error {
	if err := m.containers.RemoveProfileDevice(ctx, profile, device); err != nil {
		return fmt.Errorf("failed to remove device %s from profile %s: %w", device, profile, err)
	}
	devType, props := lxd.SplitDevice(dev)
	if err := m.containers.AddProfileDevice(ctx, profile, device, devType, props); err != nil {
		return fmt.Errorf("failed to add device %s to profile %s: %w", device, profile, err)
	}
	return nil
}

// poll runs op every interval until it succeeds, attempts are used up, or
// ctx is done.
func poll(ctx context.Context, interval time.Duration, attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	return backoff.Retry(op, b)
}

// WaitForReady polls for the readiness marker inside the container. A
// timeout is logged and reported as false with a nil error; only context
// cancellation is returned as an error.
func (m *Manager) WaitForReady(ctx context.Context, name string) (bool, error) {
	cfg := m.config.Readiness

	err := poll(ctx, cfg.Interval, cfg.Attempts, func() error {
		ok, err := m.containers.FileExists(ctx, name, cfg.Marker)
		if err != nil {
			return err
		}
		if !ok {
			return errNotReady
		}
		return nil
	})
	if err == nil {
		m.logger.V(2).Info("Container is ready", "container", name)
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	m.logger.Info("Timed out waiting for container readiness, continuing",
		"container", name, "marker", cfg.Marker, "attempts", cfg.Attempts, "error", err)
	return false, nil
}

// WaitForNetwork pings target from inside the container until it answers.
// Exhausting the attempts returns an error wrapping ErrNetworkUnreachable.
func (m *Manager) WaitForNetwork(ctx context.Context, name, target string) error {
	cfg := m.config.NetworkCheck

	err := poll(ctx, cfg.Interval, cfg.Attempts, func() error {
		_, err := m.containers.Exec(ctx, name, "ping", "-c", "1", "-W", "1", target)
		return err
	})
	if err == nil {
		m.logger.V(2).Info("Network reachable", "container", name, "target", target)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s cannot reach %s after %d attempts: %w",
		ErrNetworkUnreachable, name, target, cfg.Attempts, err)
}

// EnableServices enables and starts each unit in order, stopping at the
// first failure.
func (m *Manager) EnableServices(ctx context.Context, name string, services []string) error {
	for _, svc := range services {
		for _, action := range []string{"enable", "start"} {
			if _, err := m.containers.Exec(ctx, name, "systemctl", action, svc); err != nil {
				return fmt.Errorf("failed to %s service %s in %s: %w", action, svc, name, err)
			}
		}
		m.logger.V(2).Info("Started service", "container", name, "service", svc)
	}
	return nil
}
