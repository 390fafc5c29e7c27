package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
)

const (
	// FingerprintLength is the number of hex characters kept from the digest
	FingerprintLength = 32

	// DefaultFingerprintSalt is mixed into every digest
	DefaultFingerprintSalt = "wsl-device-v1"

	fallbackFileName = "device.id"
)

// Attributes are the durable machine attributes a fingerprint is derived from
type Attributes struct {
	CPU    string
	MAC    string
	Host   string
	User   string
	Memory string
}

// AttributeCollector gathers machine attributes. Any error makes the
// generator fall back to a persisted random identifier.
type AttributeCollector func() (Attributes, error)

// FingerprintGenerator derives a stable device identifier. The result is
// computed once and reused for the life of the generator.
type FingerprintGenerator struct {
	salt    string
	dataDir string
	collect AttributeCollector
	logger  *slog.Logger

	mu           sync.Mutex
	fingerprint  string
	attrs        Attributes
	usedFallback bool
}

// FingerprintOption configures a FingerprintGenerator
type FingerprintOption func(*FingerprintGenerator)

// WithSalt overrides the digest salt
func WithSalt(salt string) FingerprintOption {
	return func(g *FingerprintGenerator) {
		if salt != "" {
			g.salt = salt
		}
	}
}

// WithDataDir sets where the fallback identifier is persisted
func WithDataDir(dir string) FingerprintOption {
	return func(g *FingerprintGenerator) { g.dataDir = dir }
}

// WithCollector replaces the attribute collector
func WithCollector(c AttributeCollector) FingerprintOption {
	return func(g *FingerprintGenerator) { g.collect = c }
}

// WithFingerprintLogger sets the logger
func WithFingerprintLogger(l *slog.Logger) FingerprintOption {
	return func(g *FingerprintGenerator) { g.logger = l }
}

// NewFingerprintGenerator creates a generator using the host collectors
func NewFingerprintGenerator(opts ...FingerprintOption) *FingerprintGenerator {
	g := &FingerprintGenerator{
		salt:    DefaultFingerprintSalt,
		dataDir: ".",
		collect: CollectAttributes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "fingerprint"))
	return g
}

// Generate returns the device fingerprint. It never fails: when the machine
// attributes cannot be read, a random identifier is persisted in the data
// directory and used from then on.
func (g *FingerprintGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fingerprint != "" {
		return g.fingerprint
	}

	if id, ok := g.readFallback(); ok {
		g.usedFallback = true
		g.fingerprint = g.digest("fallback", id)
		g.logger.Debug("Using persisted fallback device id")
		return g.fingerprint
	}

	attrs, err := g.collect()
	if err != nil {
		g.logger.Warn("Failed to collect device attributes, using fallback id",
			slog.String("error", err.Error()),
		)
		id := g.createFallback()
		g.usedFallback = true
		g.fingerprint = g.digest("fallback", id)
		return g.fingerprint
	}

	g.attrs = attrs
	g.fingerprint = g.digest(attrs.CPU, attrs.MAC, attrs.Host, attrs.User, attrs.Memory)
	g.logger.Info("Device fingerprint generated",
		slog.String("fingerprint", g.fingerprint),
	)
	return g.fingerprint
}

// DeviceName returns a human readable name for this device
func (g *FingerprintGenerator) DeviceName() string {
	g.Generate()

	g.mu.Lock()
	name := g.attrs.Host
	g.mu.Unlock()

	if name != "" {
		return name
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return strings.ToLower(h)
	}
	return "unknown-device"
}

// Attributes returns the collected attributes for diagnostics, with the
// host and user names masked.
func (g *FingerprintGenerator) Attributes() map[string]string {
	fp := g.Generate()

	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]string{
		"fingerprint": fp,
		"fallback":    strconv.FormatBool(g.usedFallback),
		"cpu":         g.attrs.CPU,
		"mac":         g.attrs.MAC,
		"host":        maskValue(g.attrs.Host),
		"user":        maskValue(g.attrs.User),
		"memory":      g.attrs.Memory,
	}
}

func (g *FingerprintGenerator) digest(parts ...string) string {
	sum := sha256.Sum256([]byte(g.salt + "|" + strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

func (g *FingerprintGenerator) fallbackPath() string {
	return filepath.Join(g.dataDir, fallbackFileName)
}

func (g *FingerprintGenerator) readFallback() (string, bool) {
	data, err := os.ReadFile(g.fallbackPath())
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(data))
	return id, id != ""
}

// createFallback persists a new random id unless another process won the
// race. If the id cannot be persisted it is still cached for this process.
func (g *FingerprintGenerator) createFallback() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")

	if err := os.MkdirAll(g.dataDir, 0o700); err != nil {
		g.logger.Error("Failed to create data directory for fallback id",
			slog.String("error", err.Error()),
		)
		return id
	}

	lock := flock.New(g.fallbackPath() + ".lock")
	if err := lock.Lock(); err != nil {
		g.logger.Error("Failed to lock fallback id file", slog.String("error", err.Error()))
		return id
	}
	defer func() { _ = lock.Unlock() }()

	if existing, ok := g.readFallback(); ok {
		return existing
	}
	if err := atomic.WriteFile(g.fallbackPath(), strings.NewReader(id)); err != nil {
		g.logger.Error("Failed to persist fallback id", slog.String("error", err.Error()))
	}
	return id
}

// CollectAttributes reads the machine attributes from the host
func CollectAttributes() (Attributes, error) {
	var attrs Attributes
	var errs []error

	infos, err := cpu.Info()
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	case len(infos) == 0:
		errs = append(errs, errors.New("cpu: no processors reported"))
	default:
		c := infos[0]
		attrs.CPU = strings.Join([]string{c.VendorID, c.Family, c.Model, c.PhysicalID, c.ModelName}, "-")
	}

	if attrs.MAC, err = primaryMAC(); err != nil {
		errs = append(errs, err)
	}

	if info, err := host.Info(); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	} else {
		attrs.Host = strings.ToLower(strings.TrimSpace(info.Hostname))
	}

	if u, err := user.Current(); err != nil {
		errs = append(errs, fmt.Errorf("user: %w", err))
	} else {
		attrs.User = u.Username
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		attrs.Memory = strconv.FormatUint(vm.Total, 10)
	}

	return attrs, errors.Join(errs...)
}

// virtualInterfacePrefixes name interfaces created by container runtimes,
// hypervisors and VPN clients. They come and go between runs.
var virtualInterfacePrefixes = []string{
	"br-", "docker", "veth", "virbr", "vmnet", "vboxnet", "tun", "tap",
	"utun", "wg", "zt", "tailscale", "cni", "flannel", "cali", "vxlan", "lxc", "lxd",
}

// primaryMAC picks the hardware address of the first physical interface in
// name order so the choice is stable across boots. Interfaces that look
// virtual and locally administered addresses are skipped. Interface state is
// ignored so an unplugged cable does not change the result.
func primaryMAC() (string, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return "", fmt.Errorf("mac: %w", err)
	}
	return pickMAC(ifaces)
}

func pickMAC(ifaces psnet.InterfaceStatList) (string, error) {
	sorted := append(psnet.InterfaceStatList(nil), ifaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var local, virtual string
	for _, iface := range sorted {
		if hasFlag(iface.Flags, "loopback") {
			continue
		}
		mac := strings.ToLower(iface.HardwareAddr)
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		switch {
		case isVirtualInterface(iface.Name):
			if virtual == "" {
				virtual = mac
			}
		case locallyAdministered(mac):
			if local == "" {
				local = mac
			}
		default:
			return mac, nil
		}
	}
	// guests often only have locally administered addresses
	if local != "" {
		return local, nil
	}
	if virtual != "" {
		return virtual, nil
	}
	return "", errors.New("mac: no interface with a hardware address")
}

func isVirtualInterface(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// locallyAdministered reports whether the U/L bit of the first octet is set
func locallyAdministered(mac string) bool {
	first, _, _ := strings.Cut(mac, ":")
	b, err := strconv.ParseUint(first, 16, 8)
	return err == nil && b&0x02 != 0
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func maskValue(s string) string {
	if len(s) <= 2 {
		return strings.Repeat("*", len(s))
	}
	return s[:1] + strings.Repeat("*", len(s)-2) + s[len(s)-1:]
}
