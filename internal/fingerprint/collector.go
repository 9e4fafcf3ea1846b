package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Collector gathers hardware attributes from the local machine. Results
// are cached in-process because interface enumeration and /proc reads are
// comparatively expensive and the underlying hardware does not change
// between calls.
type Collector struct {
	cache         *Attributes
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a collector with a one hour attribute cache.
func NewCollector() *Collector {
	return &Collector{cacheDuration: 1 * time.Hour}
}

// Collect gathers the local machine's hardware attributes. Individual
// factors that cannot be read degrade to stable fallback values rather
// than failing the whole collection.
func (c *Collector) Collect() Attributes {
	c.cacheMutex.RLock()
	if c.cache != nil && time.Now().Before(c.cacheExpiry) {
		cached := *c.cache
		c.cacheMutex.RUnlock()
		return cached
	}
	c.cacheMutex.RUnlock()

	macAddr, err := c.macAddress()
	if err != nil {
		macAddr = "unknown-mac"
		slog.Warn("failed to read MAC address, using fallback",
			slog.String("error", err.Error()),
		)
	}

	hostname, err := c.hostname()
	if err != nil {
		hostname = "unknown-host"
		slog.Warn("failed to read hostname, using fallback",
			slog.String("error", err.Error()),
		)
	}

	cpuID, err := c.cpuID()
	if err != nil {
		cpuID = "unknown-cpu"
		slog.Warn("failed to read CPU ID, using fallback",
			slog.String("error", err.Error()),
		)
	}

	attrs := Attributes{
		CPUID:       cpuID,
		MACAddress:  macAddr,
		MachineName: hostname,
	}

	c.cacheMutex.Lock()
	c.cache = &attrs
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.cacheMutex.Unlock()

	slog.Debug("hardware attributes collected",
		slog.String("hostname", hostname),
		slog.String("cpu_id", cpuID),
		slog.String("os", runtime.GOOS),
	)
	return attrs
}

// HWID returns the composite hardware identifier for the local machine.
func (c *Collector) HWID() string {
	return Compute(c.Collect())
}

// ClearCache drops the cached attributes.
func (c *Collector) ClearCache() {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()
	c.cache = nil
	c.cacheExpiry = time.Time{}
}

// macAddress returns the MAC of the first up, non-loopback interface.
func (c *Collector) macAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	// Fallback: any interface with a MAC, even if currently down.
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			slog.Warn("using fallback MAC address",
				slog.String("interface", iface.Name),
			)
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

func (c *Collector) hostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// cpuID returns a short stable digest of whatever CPU identity the
// platform exposes.
func (c *Collector) cpuID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return shortHash(procID), nil
		}
		return shortHash(fmt.Sprintf("windows-%s-%s", runtime.GOARCH, os.Getenv("PROCESSOR_ARCHITECTURE"))), nil
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
					return shortHash(line), nil
				}
			}
		}
		return shortHash(fmt.Sprintf("linux-%s", runtime.GOARCH)), nil
	case "darwin":
		return shortHash(fmt.Sprintf("darwin-%s", runtime.GOARCH)), nil
	default:
		slog.Warn("using fallback CPU ID for unsupported OS",
			slog.String("os", runtime.GOOS),
			slog.String("arch", runtime.GOARCH),
		)
		return shortHash(fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)), nil
	}
}

// shortHash normalizes variable-length platform strings to a fixed-width
// identifier.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
