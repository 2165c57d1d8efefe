package lxd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner records invocations and answers from a script keyed by
// the joined argument list.
type recordingRunner struct {
	calls   [][]string
	stdin   map[string][]byte
	outputs map[string]string
	errs    map[string]error
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{
		stdin:   make(map[string][]byte),
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (r *recordingRunner) Run(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	r.calls = append(r.calls, call)
	key := strings.Join(args, " ")
	if stdin != nil {
		r.stdin[key] = stdin
	}
	return []byte(r.outputs[key]), r.errs[key]
}

func (r *recordingRunner) last() []string {
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func notFound(args ...string) error {
	return &CommandError{Args: append([]string{"lxc"}, args...), ExitCode: 1, Stderr: "Error: Not Found"}
}

func newTestClient(r Runner) *Client {
	return New(logr.Discard(), WithRunner(r), WithFs(afero.NewMemMapFs()))
}

func TestParseServerVersion(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr error
	}{
		{
			name:   "Client and server",
			output: "Client version: 5.21.1\nServer version: 5.21.2\n",
			want:   "5.21.2",
		},
		{
			name:   "LTS tag",
			output: "Client version: 5.21.1 LTS\nServer version: 5.21.1 LTS\n",
			want:   "5.21.1",
		},
		{
			name:    "Server unreachable",
			output:  "Client version: 5.21.1\nServer version: unreachable\n",
			wantErr: ErrServerUnreachable,
		},
		{
			name:    "Garbage",
			output:  "hello",
			wantErr: errors.New("any"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServerVersion(tt.output)
			if tt.wantErr != nil {
				require.Error(t, err)
				if errors.Is(tt.wantErr, ErrServerUnreachable) {
					assert.ErrorIs(t, err, ErrServerUnreachable)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandArguments(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func(c *Client) error
		want []string
	}{
		{
			name: "CreateNetwork sorts config",
			call: func(c *Client) error {
				return c.CreateNetwork(ctx, "lxdbr1", map[string]string{
					"ipv4.nat":     "false",
					"ipv4.address": "10.10.10.1/24",
				})
			},
			want: []string{"lxc", "network", "create", "lxdbr1", "ipv4.address=10.10.10.1/24", "ipv4.nat=false"},
		},
		{
			name: "SetNetworkConfig",
			call: func(c *Client) error { return c.SetNetworkConfig(ctx, "lxdbr1", "ipv4.dhcp", "false") },
			want: []string{"lxc", "network", "set", "lxdbr1", "ipv4.dhcp=false"},
		},
		{
			name: "ImportImage",
			call: func(c *Client) error { return c.ImportImage(ctx, "/images/rdkb.tar.gz", "rdkb") },
			want: []string{"lxc", "image", "import", "/images/rdkb.tar.gz", "--alias", "rdkb"},
		},
		{
			name: "CopyProfile",
			call: func(c *Client) error { return c.CopyProfile(ctx, "default", "bng") },
			want: []string{"lxc", "profile", "copy", "default", "bng"},
		},
		{
			name: "SetProfileConfig",
			call: func(c *Client) error { return c.SetProfileConfig(ctx, "client", "limits.memory", "128MB") },
			want: []string{"lxc", "profile", "set", "client", "limits.memory=128MB"},
		},
		{
			name: "AddProfileDevice",
			call: func(c *Client) error {
				return c.AddProfileDevice(ctx, "client", "eth0", "nic", map[string]string{
					"parent":  "lan-p1",
					"nictype": "bridged",
					"vlan":    "1001",
				})
			},
			want: []string{"lxc", "profile", "device", "add", "client", "eth0", "nic", "nictype=bridged", "parent=lan-p1", "vlan=1001"},
		},
		{
			name: "DeleteContainer forces",
			call: func(c *Client) error { return c.DeleteContainer(ctx, "vcpe") },
			want: []string{"lxc", "delete", "vcpe", "--force"},
		},
		{
			name: "Launch with profile",
			call: func(c *Client) error { return c.Launch(ctx, "rdkb", "vcpe", "vcpe") },
			want: []string{"lxc", "launch", "rdkb", "vcpe", "--profile", "vcpe"},
		},
		{
			name: "Exec",
			call: func(c *Client) error {
				_, err := c.Exec(ctx, "vcpe", "systemctl", "start", "CcspPandMSsp")
				return err
			},
			want: []string{"lxc", "exec", "vcpe", "--", "systemctl", "start", "CcspPandMSsp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecordingRunner()
			require.NoError(t, tt.call(newTestClient(r)))
			assert.Equal(t, tt.want, r.last())
		})
	}
}

func TestDeleteToleratesMissing(t *testing.T) {
	ctx := context.Background()
	r := newRecordingRunner()
	r.errs["delete ghost --force"] = notFound("delete", "ghost", "--force")
	r.errs["profile delete ghost"] = notFound("profile", "delete", "ghost")
	r.errs["network delete ghost"] = notFound("network", "delete", "ghost")
	r.errs["profile device remove ghost eth0"] = &CommandError{ExitCode: 1, Stderr: "Error: Device doesn't exist"}

	c := newTestClient(r)
	assert.NoError(t, c.DeleteContainer(ctx, "ghost"))
	assert.NoError(t, c.DeleteProfile(ctx, "ghost"))
	assert.NoError(t, c.DeleteNetwork(ctx, "ghost"))
	assert.NoError(t, c.RemoveProfileDevice(ctx, "ghost", "eth0"))
}

func TestDeleteSurfacesOtherFailures(t *testing.T) {
	r := newRecordingRunner()
	r.errs["delete vcpe --force"] = &CommandError{ExitCode: 1, Stderr: "Error: permission denied"}

	err := newTestClient(r).DeleteContainer(context.Background(), "vcpe")
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "Error: permission denied", cmdErr.Stderr)
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	r := newRecordingRunner()
	r.errs["network show wan"] = notFound("network", "show", "wan")
	r.errs["image info broken"] = &CommandError{ExitCode: 1, Stderr: "Error: connection refused"}

	c := newTestClient(r)

	ok, err := c.NetworkExists(ctx, "lxdbr1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.NetworkExists(ctx, "wan")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.ImageExists(ctx, "broken")
	assert.Error(t, err)
}

func TestEditProfileFeedsStdin(t *testing.T) {
	r := newRecordingRunner()
	doc := []byte("config:\n  limits.cpu: \"1\"\n")

	require.NoError(t, newTestClient(r).EditProfile(context.Background(), "bng", doc))
	assert.Equal(t, doc, r.stdin["profile edit bng"])
}

func TestPushFile(t *testing.T) {
	r := newRecordingRunner()
	fs := afero.NewMemMapFs()
	c := New(logr.Discard(), WithRunner(r), WithFs(fs))

	err := c.PushFile(context.Background(), "bng", "/etc/netplan/50-static.yaml", []byte("network: {}\n"), 0o600)
	require.NoError(t, err)

	call := r.last()
	require.Len(t, call, 7)
	assert.Equal(t, []string{"lxc", "file", "push"}, call[:3])
	assert.Equal(t, "bng/etc/netplan/50-static.yaml", call[4])
	assert.Equal(t, []string{"--mode", "0600"}, call[5:])

	// The staged copy is removed once pushed.
	exists, err := afero.Exists(fs, call[3])
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileExists(t *testing.T) {
	ctx := context.Background()
	r := newRecordingRunner()
	r.errs["exec vcpe -- test -e /tmp/missing"] = &CommandError{ExitCode: 1}
	r.errs["exec broken -- test -e /tmp/ready"] = &CommandError{ExitCode: 255, Stderr: "Error: websocket closed"}

	c := newTestClient(r)

	ok, err := c.FileExists(ctx, "vcpe", "/tmp/ready")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.FileExists(ctx, "vcpe", "/tmp/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.FileExists(ctx, "broken", "/tmp/ready")
	assert.Error(t, err)
}

func TestState(t *testing.T) {
	ctx := context.Background()
	r := newRecordingRunner()
	r.outputs["query /1.0/instances/vcpe/state"] = `{"status":"Running","status_code":103,"pid":4242}`
	r.errs["query /1.0/instances/ghost/state"] = notFound("query")

	c := newTestClient(r)

	state, err := c.State(ctx, "vcpe")
	require.NoError(t, err)
	assert.True(t, state.Running())
	assert.Equal(t, 4242, state.PID)
	assert.Equal(t, "vcpe", state.Name)

	_, err = c.State(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
