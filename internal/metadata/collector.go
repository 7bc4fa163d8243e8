// Package metadata describes the device the sensor runs on.
package metadata

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/version"
)

// maxHostIPs limits the number of addresses reported for hosts with many
// interfaces.
const maxHostIPs = 10

// DiskUsager reports free and total bytes of the recording store.
type DiskUsager interface {
	DiskUsage() (free, total uint64, err error)
}

// DiskStats is the store filesystem usage.
type DiskStats struct {
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
	Free       string `json:"free"`
	Total      string `json:"total"`
	Error      string `json:"error,omitempty"`
}

// MemoryStats is read from /proc/meminfo where available.
type MemoryStats struct {
	TotalBytes     uint64 `json:"total_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
	Total          string `json:"total"`
	Available      string `json:"available"`
}

// SystemStats is served by /api/system-stats.
type SystemStats struct {
	MachineID     string      `json:"machine_id"`
	SessionID     string      `json:"session_id"`
	SensorVersion string      `json:"sensor_version"`
	OSName        string      `json:"os_name"`
	OSVersion     string      `json:"os_version"`
	Architecture  string      `json:"architecture"`
	HostIPs       []string    `json:"host_ips,omitempty"`
	Uptime        string      `json:"uptime"`
	Disk          DiskStats   `json:"disk"`
	Memory        MemoryStats `json:"memory"`
	Goroutines    int         `json:"goroutines"`
}

// Collector gathers SystemStats. The session id is fixed for the life of
// the process.
type Collector struct {
	disk      DiskUsager
	sessionID string
	machineID string
	osVersion string
	started   time.Time
	meminfo   string
}

// NewCollector creates a collector reporting disk usage from disk.
func NewCollector(disk DiskUsager) *Collector {
	return &Collector{
		disk:      disk,
		sessionID: uuid.New().String(),
		machineID: generateMachineID(),
		osVersion: getOSVersion(),
		started:   time.Now(),
		meminfo:   "/proc/meminfo",
	}
}

// SessionID identifies this run of the sensor.
func (c *Collector) SessionID() string { return c.sessionID }

// Collect returns a fresh snapshot.
func (c *Collector) Collect() SystemStats {
	stats := SystemStats{
		MachineID:     c.machineID,
		SessionID:     c.sessionID,
		SensorVersion: version.Version,
		OSName:        runtime.GOOS,
		OSVersion:     c.osVersion,
		Architecture:  runtime.GOARCH,
		HostIPs:       getHostIPAddresses(),
		Uptime:        time.Since(c.started).Truncate(time.Second).String(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if c.disk != nil {
		free, total, err := c.disk.DiskUsage()
		if err != nil {
			stats.Disk.Error = err.Error()
		} else {
			stats.Disk = DiskStats{
				FreeBytes:  free,
				TotalBytes: total,
				Free:       humanize.IBytes(free),
				Total:      humanize.IBytes(total),
			}
		}
	}

	if f, err := os.Open(c.meminfo); err == nil {
		stats.Memory = parseMeminfo(f)
		f.Close()
	}
	return stats
}

// parseMeminfo reads MemTotal and MemAvailable, reported in kB.
func parseMeminfo(r io.Reader) MemoryStats {
	var m MemoryStats
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			m.TotalBytes = kb * 1024
		case "MemAvailable:":
			m.AvailableBytes = kb * 1024
		}
	}
	m.Total = humanize.IBytes(m.TotalBytes)
	m.Available = humanize.IBytes(m.AvailableBytes)
	return m
}

// getHostIPAddresses returns private IPv4 addresses of up, non-loopback
// interfaces, capped at maxHostIPs.
func getHostIPAddresses() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var ips []string
	seen := make(map[string]bool)
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || !ip.IsPrivate() || seen[ip.String()] {
				continue
			}
			seen[ip.String()] = true
			ips = append(ips, ip.String())
			if len(ips) >= maxHostIPs {
				return ips
			}
		}
	}
	return ips
}

// generateMachineID creates SHA256 hash of primary MAC address
func generateMachineID() string {
	macAddr := getPrimaryMACAddress()
	if macAddr == "" {
		macAddr = "unknown-device"
	}
	hash := sha256.Sum256([]byte(macAddr))
	return hex.EncodeToString(hash[:])
}

// getPrimaryMACAddress prefers the modem's usb/rmnet interfaces, then
// wifi, then anything with a hardware address.
func getPrimaryMACAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	sort.Slice(interfaces, func(i, j int) bool {
		return interfaces[i].Name < interfaces[j].Name
	})

	for _, priority := range []string{"rmnet", "usb", "eth", "wlan", "wl"} {
		for _, iface := range interfaces {
			if strings.HasPrefix(iface.Name, priority) &&
				iface.Flags&net.FlagLoopback == 0 &&
				len(iface.HardwareAddr) > 0 {
				return iface.HardwareAddr.String()
			}
		}
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0 {
			return iface.HardwareAddr.String()
		}
	}
	return ""
}

func getOSVersion() string {
	switch runtime.GOOS {
	case "linux":
		return getLinuxVersion()
	case "darwin":
		return getMacOSVersion()
	default:
		return runtime.GOOS
	}
}

// getLinuxVersion reads /etc/os-release, falling back to the kernel
// release on embedded images that lack it.
func getLinuxVersion() string {
	file, err := os.Open("/etc/os-release")
	if err != nil {
		if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
			return "Linux " + strings.TrimSpace(string(data))
		}
		return "Linux"
	}
	defer file.Close()

	var name, ver string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "NAME=") {
			name = strings.Trim(strings.TrimPrefix(line, "NAME="), "\"")
		} else if strings.HasPrefix(line, "VERSION=") {
			ver = strings.Trim(strings.TrimPrefix(line, "VERSION="), "\"")
		}
	}

	if name != "" && ver != "" {
		return name + " " + ver
	} else if name != "" {
		return name
	}
	return "Linux"
}

func getMacOSVersion() string {
	output, err := exec.Command("sw_vers", "-productVersion").Output()
	if err != nil {
		return "macOS"
	}
	return "macOS " + strings.TrimSpace(string(output))
}
