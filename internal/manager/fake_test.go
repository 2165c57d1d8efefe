package manager

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/appkins-org/rdkb-lab/internal/lxd"
	"github.com/appkins-org/rdkb-lab/internal/netplan"
)

var errFake = errors.New("injected failure")

// fakeLink is the modelled state of one host link.
type fakeLink struct {
	IsBridge      bool
	VLANFiltering bool
	PVID          uint16
	Up            bool
	Addresses     []string
}

// fakeHost models host bridges, sysctls and firewall rules in memory.
type fakeHost struct {
	mu      sync.Mutex
	links   map[string]*fakeLink
	rules   map[string]bool
	sysctls map[string]string
	calls   []string
	failOn  map[string]error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		links:   make(map[string]*fakeLink),
		rules:   make(map[string]bool),
		sysctls: make(map[string]string),
		failOn:  make(map[string]error),
	}
}

// record logs the call and returns the injected error for it, if any.
func (h *fakeHost) record(call string) error {
	h.calls = append(h.calls, call)
	return h.failOn[call]
}

// hostSnapshot is a comparable copy of the fake host state.
type hostSnapshot struct {
	Links   map[string]fakeLink
	Rules   []string
	Sysctls map[string]string
}

func (h *fakeHost) snapshot() hostSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := hostSnapshot{
		Links:   make(map[string]fakeLink, len(h.links)),
		Sysctls: maps.Clone(h.sysctls),
	}
	for name, l := range h.links {
		c := *l
		c.Addresses = slices.Clone(l.Addresses)
		s.Links[name] = c
	}
	for rule := range h.rules {
		s.Rules = append(s.Rules, rule)
	}
	sort.Strings(s.Rules)
	return s
}

func (h *fakeHost) link(name string) (*fakeLink, error) {
	l, ok := h.links[name]
	if !ok {
		return nil, fmt.Errorf("Link not found: %s", name)
	}
	return l, nil
}

func (h *fakeHost) LinkState(name string) (LinkState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("LinkState " + name); err != nil {
		return LinkState{}, err
	}
	l, ok := h.links[name]
	if !ok {
		return LinkState{}, nil
	}
	return LinkState{
		Exists:        true,
		IsBridge:      l.IsBridge,
		VLANFiltering: l.VLANFiltering,
		Up:            l.Up,
		Addresses:     slices.Clone(l.Addresses),
	}, nil
}

func (h *fakeHost) CreateBridge(name string, opts BridgeOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("CreateBridge " + name); err != nil {
		return err
	}
	if _, ok := h.links[name]; ok {
		return fmt.Errorf("file exists")
	}
	h.links[name] = &fakeLink{
		IsBridge:      true,
		VLANFiltering: opts.VLANFiltering,
		PVID:          opts.DefaultPVID,
	}
	return nil
}

func (h *fakeHost) SetVLANFiltering(name string, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("SetVLANFiltering " + name); err != nil {
		return err
	}
	l, err := h.link(name)
	if err != nil {
		return err
	}
	if l.Up {
		return fmt.Errorf("device or resource busy: %s is up", name)
	}
	l.VLANFiltering = enabled
	if enabled && l.PVID == 0 {
		l.PVID = 1
	}
	return nil
}

func (h *fakeHost) SetLinkUp(name string) error {
	return h.setUp("SetLinkUp", name, true)
}

func (h *fakeHost) SetLinkDown(name string) error {
	return h.setUp("SetLinkDown", name, false)
}

func (h *fakeHost) setUp(op, name string, up bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(op + " " + name); err != nil {
		return err
	}
	l, err := h.link(name)
	if err != nil {
		return err
	}
	l.Up = up
	return nil
}

func (h *fakeHost) FlushAddresses(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("FlushAddresses " + name); err != nil {
		return err
	}
	l, err := h.link(name)
	if err != nil {
		return err
	}
	l.Addresses = nil
	return nil
}

func (h *fakeHost) DisableIPv6RA(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("DisableIPv6RA " + name); err != nil {
		return err
	}
	h.sysctls["net.ipv6.conf."+name+".accept_ra"] = "0"
	return nil
}

func ruleKey(table, chain string, rulespec []string) string {
	return table + " " + chain + " " + strings.Join(rulespec, " ")
}

func (h *fakeHost) Exists(table, chain string, rulespec ...string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Exists " + table + " " + chain); err != nil {
		return false, err
	}
	return h.rules[ruleKey(table, chain, rulespec)], nil
}

func (h *fakeHost) Append(table, chain string, rulespec ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Append " + table + " " + chain); err != nil {
		return err
	}
	// iptables happily appends duplicates; the reconciler must check first.
	key := ruleKey(table, chain, rulespec)
	if h.rules[key] {
		return fmt.Errorf("duplicate rule appended: %s", key)
	}
	h.rules[key] = true
	return nil
}

func (h *fakeHost) Delete(table, chain string, rulespec ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Delete " + table + " " + chain); err != nil {
		return err
	}
	key := ruleKey(table, chain, rulespec)
	if !h.rules[key] {
		return fmt.Errorf("iptables: Bad rule (does a matching rule exist in that chain?)")
	}
	delete(h.rules, key)
	return nil
}

// fakeContainer is the modelled state of one instance.
type fakeContainer struct {
	Image     string
	Profile   string
	Running   bool
	PID       int
	Files     map[string][]byte
	Addresses map[string][]string
}

// fakeLXD models the LXD control plane in memory.
type fakeLXD struct {
	mu         sync.Mutex
	version    string
	networks   map[string]map[string]string
	images     map[string]bool
	profiles   map[string]*lxd.Profile
	containers map[string]*fakeContainer
	nextPID    int
	calls      []string
	failOn     map[string]error

	// bootMarker, when set, is created inside every launched container.
	bootMarker string
	// dhcpAddress is leased to eth0 of every launched container.
	dhcpAddress string
	// pingFailures makes the next n pings fail.
	pingFailures int
	// unreachable makes every ping fail.
	unreachable bool
}

func newFakeLXD() *fakeLXD {
	return &fakeLXD{
		version:  "5.21.1",
		networks: make(map[string]map[string]string),
		images:   make(map[string]bool),
		profiles: map[string]*lxd.Profile{
			"default": lxd.NewProfile("Default LXD profile").AddRootDisk("default"),
		},
		containers: make(map[string]*fakeContainer),
		nextPID:    1000,
		failOn:     make(map[string]error),
	}
}

func (f *fakeLXD) record(call string) error {
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

// callsWithPrefix returns the recorded calls starting with prefix.
func (f *fakeLXD) callsWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeLXD) Version(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Version"); err != nil {
		return "", err
	}
	return f.version, nil
}

func (f *fakeLXD) NetworkExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("NetworkExists " + name); err != nil {
		return false, err
	}
	_, ok := f.networks[name]
	return ok, nil
}

func (f *fakeLXD) CreateNetwork(_ context.Context, name string, config map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateNetwork " + name); err != nil {
		return err
	}
	if _, ok := f.networks[name]; ok {
		return fmt.Errorf("network %s already exists", name)
	}
	cfg := maps.Clone(config)
	if cfg == nil {
		cfg = make(map[string]string)
	}
	// LXD picks addressing and enables NAT on a bare create.
	cfg["ipv4.address"] = "10.99.0.1/24"
	cfg["ipv4.nat"] = "true"
	f.networks[name] = cfg
	return nil
}

func (f *fakeLXD) SetNetworkConfig(_ context.Context, name, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetNetworkConfig " + name + " " + key); err != nil {
		return err
	}
	cfg, ok := f.networks[name]
	if !ok {
		return fmt.Errorf("network %s: %w", name, lxd.ErrNotFound)
	}
	cfg[key] = value
	return nil
}

func (f *fakeLXD) DeleteNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteNetwork " + name); err != nil {
		return err
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeLXD) ImageExists(_ context.Context, alias string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImageExists " + alias); err != nil {
		return false, err
	}
	return f.images[alias], nil
}

func (f *fakeLXD) ImportImage(_ context.Context, path, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImportImage " + path + " " + alias); err != nil {
		return err
	}
	f.images[alias] = true
	return nil
}

func (f *fakeLXD) ProfileExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ProfileExists " + name); err != nil {
		return false, err
	}
	_, ok := f.profiles[name]
	return ok, nil
}

func (f *fakeLXD) CreateProfile(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateProfile " + name); err != nil {
		return err
	}
	if _, ok := f.profiles[name]; ok {
		return fmt.Errorf("profile %s already exists", name)
	}
	f.profiles[name] = lxd.NewProfile("")
	return nil
}

func (f *fakeLXD) DeleteProfile(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteProfile " + name); err != nil {
		return err
	}
	for cname, c := range f.containers {
		if c.Profile == name {
			return fmt.Errorf("profile %s is in use by %s", name, cname)
		}
	}
	delete(f.profiles, name)
	return nil
}

func (f *fakeLXD) CopyProfile(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CopyProfile " + src + " " + dst); err != nil {
		return err
	}
	p, ok := f.profiles[src]
	if !ok {
		return fmt.Errorf("profile %s: %w", src, lxd.ErrNotFound)
	}
	if _, ok := f.profiles[dst]; ok {
		return fmt.Errorf("profile %s already exists", dst)
	}
	f.profiles[dst] = cloneProfile(p)
	return nil
}

func (f *fakeLXD) EditProfile(_ context.Context, name string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EditProfile " + name); err != nil {
		return err
	}
	if _, ok := f.profiles[name]; !ok {
		return fmt.Errorf("profile %s: %w", name, lxd.ErrNotFound)
	}
	p, err := lxd.ParseProfile(content)
	if err != nil {
		return err
	}
	f.profiles[name] = p
	return nil
}

func (f *fakeLXD) SetProfileConfig(_ context.Context, name, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetProfileConfig " + name + " " + key + "=" + value); err != nil {
		return err
	}
	p, ok := f.profiles[name]
	if !ok {
		return fmt.Errorf("profile %s: %w", name, lxd.ErrNotFound)
	}
	p.Config[key] = value
	return nil
}

func (f *fakeLXD) RemoveProfileDevice(_ context.Context, profile, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveProfileDevice " + profile + " " + device); err != nil {
		return err
	}
	if p, ok := f.profiles[profile]; ok {
		delete(p.Devices, device)
	}
	return nil
}

func (f *fakeLXD) AddProfileDevice(_ context.Context, profile, device, devType string, props map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddProfileDevice " + profile + " " + device); err != nil {
		return err
	}
	p, ok := f.profiles[profile]
	if !ok {
		return fmt.Errorf("profile %s: %w", profile, lxd.ErrNotFound)
	}
	if _, ok := p.Devices[device]; ok {
		return fmt.Errorf("device %s already exists in profile %s", device, profile)
	}
	if _, ok := props["type"]; ok {
		return fmt.Errorf("type must not be passed as a property")
	}
	dev := maps.Clone(props)
	dev["type"] = devType
	p.Devices[device] = dev
	return nil
}

func (f *fakeLXD) DeleteContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteContainer " + name); err != nil {
		return err
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeLXD) Launch(_ context.Context, image, name, profile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Launch " + image + " " + name + " " + profile); err != nil {
		return err
	}
	if _, ok := f.containers[name]; ok {
		return fmt.Errorf("instance %s already exists", name)
	}
	if _, ok := f.profiles[profile]; !ok {
		return fmt.Errorf("profile %s: %w", profile, lxd.ErrNotFound)
	}

	f.nextPID++
	c := &fakeContainer{
		Image:     image,
		Profile:   profile,
		Running:   true,
		PID:       f.nextPID,
		Files:     make(map[string][]byte),
		Addresses: make(map[string][]string),
	}
	if f.dhcpAddress != "" {
		c.Addresses["eth0"] = []string{f.dhcpAddress}
	}
	if f.bootMarker != "" {
		c.Files[f.bootMarker] = nil
	}
	f.containers[name] = c
	return nil
}

func (f *fakeLXD) running(name string) (*fakeContainer, error) {
	c, ok := f.containers[name]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", name, lxd.ErrNotFound)
	}
	if !c.Running {
		return nil, fmt.Errorf("instance %s is not running", name)
	}
	return c, nil
}

func (f *fakeLXD) Exec(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Exec " + name + " " + strings.Join(args, " ")); err != nil {
		return "", err
	}
	c, err := f.running(name)
	if err != nil {
		return "", err
	}

	switch {
	case len(args) == 2 && args[0] == "netplan" && args[1] == "apply":
		return "", c.applyNetplan()
	case len(args) > 0 && args[0] == "ping":
		if f.unreachable {
			return "", &lxd.CommandError{ExitCode: 1, Stderr: "Network is unreachable"}
		}
		if f.pingFailures > 0 {
			f.pingFailures--
			return "", &lxd.CommandError{ExitCode: 1, Stderr: "Destination Host Unreachable"}
		}
		return "1 packets transmitted, 1 received", nil
	case len(args) == 6 && args[0] == "sh":
		c.Files[args[5]] = append(c.Files[args[5]], []byte(args[4]+"\n")...)
	}
	return "", nil
}

// applyNetplan replaces interface addresses with the ones declared in every
// pushed netplan document.
func (c *fakeContainer) applyNetplan() error {
	for path, data := range c.Files {
		if !strings.HasPrefix(path, "/etc/netplan/") {
			continue
		}
		var doc netplan.Network
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("netplan %s: %w", path, err)
		}
		for iface, eth := range doc.Network.Ethernets {
			c.Addresses[iface] = slices.Clone(eth.Addresses)
		}
	}
	return nil
}

func (f *fakeLXD) PushFile(_ context.Context, name, path string, content []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PushFile " + name + " " + path); err != nil {
		return err
	}
	c, err := f.running(name)
	if err != nil {
		return err
	}
	c.Files[path] = slices.Clone(content)
	return nil
}

func (f *fakeLXD) FileExists(_ context.Context, name, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FileExists " + name + " " + path); err != nil {
		return false, err
	}
	c, err := f.running(name)
	if err != nil {
		return false, err
	}
	_, ok := c.Files[path]
	return ok, nil
}

func (f *fakeLXD) State(_ context.Context, name string) (lxd.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("State " + name); err != nil {
		return lxd.ContainerState{}, err
	}
	c, ok := f.containers[name]
	if !ok {
		return lxd.ContainerState{}, fmt.Errorf("instance %s: %w", name, lxd.ErrNotFound)
	}
	status := "Stopped"
	if c.Running {
		status = "Running"
	}
	return lxd.ContainerState{Name: name, Status: status, PID: c.PID}, nil
}

// Addresses implements AddressReader over the modelled containers.
func (f *fakeLXD) Addresses(pid int, iface string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.PID == pid {
			addrs, ok := c.Addresses[iface]
			if !ok {
				return nil, fmt.Errorf("Link not found: %s", iface)
			}
			return slices.Clone(addrs), nil
		}
	}
	return nil, fmt.Errorf("no process %d", pid)
}

func cloneProfile(p *lxd.Profile) *lxd.Profile {
	c := lxd.NewProfile(p.Description)
	maps.Copy(c.Config, p.Config)
	for name, dev := range p.Devices {
		c.Devices[name] = maps.Clone(dev)
	}
	return c
}
