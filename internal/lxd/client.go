// Package lxd drives an LXD daemon through the lxc command line client.
package lxd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

// DefaultBinary is the lxc client looked up on PATH when none is configured.
const DefaultBinary = "lxc"

// Runner executes a command and returns its standard output.
// A non-zero exit must be reported as a *CommandError.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	return f(ctx, stdin, name, args...)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct{}

// Run executes name with args, feeding stdin when it is non-nil.
func (ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		cmdErr := &CommandError{
			Args:     append([]string{name}, args...),
			ExitCode: -1,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), cmdErr
	}
	return stdout.Bytes(), nil
}

// ContainerState is the runtime state of an instance as reported by LXD.
type ContainerState struct {
	Name   string
	Status string `json:"status"`
	PID    int    `json:"pid"`
}

// Running reports whether the instance is running.
func (s ContainerState) Running() bool {
	return strings.EqualFold(s.Status, "running")
}

// Client implements the container control plane on top of the lxc CLI.
type Client struct {
	binary string
	runner Runner
	fs     afero.Fs
	logger logr.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBinary overrides the lxc binary path.
func WithBinary(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.runner = r }
}

// WithFs sets the filesystem used to stage files before they are pushed.
// It must be backed by the host filesystem when used with ExecRunner.
func WithFs(fs afero.Fs) Option {
	return func(c *Client) { c.fs = fs }
}

// New creates a Client.
func New(logger logr.Logger, opts ...Option) *Client {
	c := &Client{
		binary: DefaultBinary,
		runner: ExecRunner{},
		fs:     afero.NewOsFs(),
		logger: logger.WithName("lxd"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runWithInput(ctx, nil, args...)
}

func (c *Client) runWithInput(ctx context.Context, stdin []byte, args ...string) (string, error) {
	c.logger.V(4).Info("Executing lxc command", "args", args)
	out, err := c.runner.Run(ctx, stdin, c.binary, args...)
	if err != nil {
		c.logger.V(3).Info("lxc command failed", "args", args, "error", err)
		return string(out), err
	}
	return string(out), nil
}

// Version returns the LXD server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "version")
	if err != nil {
		return "", fmt.Errorf("failed to query lxc version: %w", err)
	}
	v, err := parseServerVersion(out)
	if err != nil {
		return "", err
	}
	return v, nil
}

// parseServerVersion reads the first field of the "Server version:" line of
// `lxc version`.
// When the server is unreachable only the client line is printed.
func parseServerVersion(out string) (string, error) {
	var client string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "server version":
			// LTS releases append a channel tag, as in "5.21.1 LTS".
			if fields := strings.Fields(value); len(fields) > 0 && fields[0] != "unreachable" {
				return fields[0], nil
			}
		case "client version":
			client = value
		}
	}
	if client == "" {
		return "", fmt.Errorf("unrecognised lxc version output: %q", strings.TrimSpace(out))
	}
	return "", fmt.Errorf("%w: client %s cannot reach the server", ErrServerUnreachable, client)
}

// NetworkExists reports whether an LXD-managed network exists.
func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "network", "show", name)
}

// CreateNetwork creates an LXD-managed bridge network.
func (c *Client) CreateNetwork(ctx context.Context, name string, config map[string]string) error {
	args := append([]string{"network", "create", name}, keyValues(config)...)
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// SetNetworkConfig sets one configuration key on a network.
func (c *Client) SetNetworkConfig(ctx context.Context, name, key, value string) error {
	if _, err := c.run(ctx, "network", "set", name, key+"="+value); err != nil {
		return fmt.Errorf("failed to set %s on network %s: %w", key, name, err)
	}
	return nil
}

// DeleteNetwork deletes a network. A missing network is not an error.
func (c *Client) DeleteNetwork(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "network", "delete", name); err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete network %s: %w", name, err)
	}
	return nil
}

// ImageExists reports whether an image alias or fingerprint is present.
func (c *Client) ImageExists(ctx context.Context, alias string) (bool, error) {
	return c.exists(ctx, "image", "info", alias)
}

// ImportImage imports an image tarball under the given alias.
func (c *Client) ImportImage(ctx context.Context, path, alias string) error {
	if _, err := c.run(ctx, "image", "import", path, "--alias", alias); err != nil {
		return fmt.Errorf("failed to import image %s from %s: %w", alias, path, err)
	}
	return nil
}

// ProfileExists reports whether a profile exists.
func (c *Client) ProfileExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "profile", "show", name)
}

// CreateProfile creates an empty profile.
func (c *Client) CreateProfile(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "profile", "create", name); err != nil {
		return fmt.Errorf("failed to create profile %s: %w", name, err)
	}
	return nil
}

// DeleteProfile deletes a profile. A missing profile is not an error.
func (c *Client) DeleteProfile(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "profile", "delete", name); err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete profile %s: %w", name, err)
	}
	return nil
}

// CopyProfile copies src to a new profile dst.
func (c *Client) CopyProfile(ctx context.Context, src, dst string) error {
	if _, err := c.run(ctx, "profile", "copy", src, dst); err != nil {
		return fmt.Errorf("failed to copy profile %s to %s: %w", src, dst, err)
	}
	return nil
}

// EditProfile replaces a profile with the given YAML document.
func (c *Client) EditProfile(ctx context.Context, name string, content []byte) error {
	if _, err := c.runWithInput(ctx, content, "profile", "edit", name); err != nil {
		return fmt.Errorf("failed to edit profile %s: %w", name, err)
	}
	return nil
}

// SetProfileConfig sets one configuration key on a profile.
func (c *Client) SetProfileConfig(ctx context.Context, name, key, value string) error {
	if _, err := c.run(ctx, "profile", "set", name, key+"="+value); err != nil {
		return fmt.Errorf("failed to set %s on profile %s: %w", key, name, err)
	}
	return nil
}

// RemoveProfileDevice removes a device from a profile. A missing device is not an error.
func (c *Client) RemoveProfileDevice(ctx context.Context, profile, device string) error {
	if _, err := c.run(ctx, "profile", "device", "remove", profile, device); err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to remove device %s from profile %s: %w", device, profile, err)
	}
	return nil
}

// AddProfileDevice adds a device to a profile.
func (c *Client) AddProfileDevice(
	ctx context.Context,
	profile, device, devType string,
	props map[string]string,
) error {
	args := append([]string{"profile", "device", "add", profile, device, devType}, keyValues(props)...)
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to add device %s to profile %s: %w", device, profile, err)
	}
	return nil
}

// DeleteContainer force-deletes an instance. A missing instance is not an error.
func (c *Client) DeleteContainer(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "delete", name, "--force"); err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", name, err)
	}
	return nil
}

// Launch creates and starts an instance bound to a single profile.
func (c *Client) Launch(ctx context.Context, image, name, profile string) error {
	args := []string{"launch", image, name}
	if profile != "" {
		args = append(args, "--profile", profile)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to launch container %s from %s: %w", name, image, err)
	}
	return nil
}

// Exec runs a command inside an instance and returns its standard output.
func (c *Client) Exec(ctx context.Context, name string, args ...string) (string, error) {
	out, err := c.run(ctx, append([]string{"exec", name, "--"}, args...)...)
	if err != nil {
		return out, fmt.Errorf("failed to exec %q in %s: %w", strings.Join(args, " "), name, err)
	}
	return out, nil
}

// PushFile writes content to path inside an instance.
func (c *Client) PushFile(ctx context.Context, name, path string, content []byte, mode os.FileMode) error {
	tmp, err := afero.TempFile(c.fs, "", "rdkb-lab-push-")
	if err != nil {
		return fmt.Errorf("failed to stage file for %s: %w", name, err)
	}
	defer func() {
		if err := c.fs.Remove(tmp.Name()); err != nil {
			c.logger.V(1).Info("Failed to remove staged file", "path", tmp.Name(), "error", err)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to stage file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to stage file for %s: %w", name, err)
	}

	target := name + "/" + strings.TrimPrefix(path, "/")
	if _, err := c.run(ctx, "file", "push", tmp.Name(), target, "--mode", fmt.Sprintf("%04o", mode.Perm())); err != nil {
		return fmt.Errorf("failed to push %s into %s: %w", path, name, err)
	}
	return nil
}

// FileExists reports whether path exists inside a running instance.
func (c *Client) FileExists(ctx context.Context, name, path string) (bool, error) {
	_, err := c.run(ctx, "exec", name, "--", "test", "-e", path)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
		return false, nil
	}
	return false, fmt.Errorf("failed to check %s in %s: %w", path, name, err)
}

// State returns the runtime state of an instance.
func (c *Client) State(ctx context.Context, name string) (ContainerState, error) {
	out, err := c.run(ctx, "query", "/1.0/instances/"+name+"/state")
	if err != nil {
		if IsNotFound(err) {
			return ContainerState{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return ContainerState{}, fmt.Errorf("failed to query state of %s: %w", name, err)
	}
	state := ContainerState{Name: name}
	if err := json.Unmarshal([]byte(out), &state); err != nil {
		return ContainerState{}, fmt.Errorf("failed to decode state of %s: %w", name, err)
	}
	return state, nil
}

// exists runs a show-style command and maps "not found" to false.
func (c *Client) exists(ctx context.Context, args ...string) (bool, error) {
	if _, err := c.run(ctx, args...); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to run lxc %s: %w", strings.Join(args, " "), err)
	}
	return true, nil
}

// keyValues renders a config map as sorted key=value arguments.
func keyValues(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
