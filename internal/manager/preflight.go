package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/afero"

	"github.com/appkins-org/rdkb-lab/internal/config"
)

var (
	// ErrUnsupportedVersion is returned when the LXD server is older than
	// lxd.min_version.
	ErrUnsupportedVersion = errors.New("unsupported LXD version")
	// ErrImageMissing is returned when an image is absent and cannot be imported.
	ErrImageMissing = errors.New("image missing")
)

// Preflight checks that the LXD server is reachable and recent enough.
func (m *Manager) Preflight(ctx context.Context) error {
	raw, err := m.containers.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to query LXD version: %w", err)
	}

	constraint, err := semver.NewConstraint(">= " + m.config.LXD.MinVersion)
	if err != nil {
		return fmt.Errorf("invalid lxd.min_version %q: %w", m.config.LXD.MinVersion, err)
	}

	// LXD reports versions like "5.21" or "5.0.3"; NewVersion coerces both.
	version, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: cannot parse %q: %w", ErrUnsupportedVersion, raw, err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: server %s is older than %s", ErrUnsupportedVersion, version, m.config.LXD.MinVersion)
	}

	m.logger.V(1).Info("LXD server version accepted", "version", version.String(), "min_version", m.config.LXD.MinVersion)
	return nil
}

// EnsureImage makes sure the image alias exists, importing it from its
// configured path when absent.
func (m *Manager) EnsureImage(ctx context.Context, image config.ImageConfig) error {
	exists, err := m.containers.ImageExists(ctx, image.Alias)
	if err != nil {
		return fmt.Errorf("failed to look up image %s: %w", image.Alias, err)
	}
	if exists {
		m.logger.V(3).Info("Image already present", "image", image.Alias)
		return nil
	}

	if image.Path == "" {
		return fmt.Errorf("%w: %s has no import path", ErrImageMissing, image.Alias)
	}

	path := m.resolvePath(image.Path)
	if ok, err := afero.Exists(m.fs, path); err != nil {
		return fmt.Errorf("failed to stat image %s: %w", path, err)
	} else if !ok {
		return fmt.Errorf("%w: %s not found at %s", ErrImageMissing, image.Alias, path)
	}

	if err := m.containers.ImportImage(ctx, path, image.Alias); err != nil {
		return fmt.Errorf("failed to import image %s: %w", image.Alias, err)
	}
	m.logger.Info("Imported image", "image", image.Alias, "path", path)
	return nil
}

// EnsureImages runs EnsureImage for every configured image.
func (m *Manager) EnsureImages(ctx context.Context) error {
	for _, image := range m.config.LXD.Images {
		if err := m.EnsureImage(ctx, image); err != nil {
			return err
		}
	}
	return nil
}
