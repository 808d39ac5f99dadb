package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

// DeviceInfo identifies this machine to the backend
type DeviceInfo struct {
	Hostname     string
	OSName       string
	OSVersion    string
	AgentVersion string
}

// CollectDevice gathers device identity from the host
func CollectDevice(agentVersion string) DeviceInfo {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	osVersion := ""
	if info, err := host.Info(); err == nil {
		osVersion = info.PlatformVersion
		if osVersion == "" {
			osVersion = info.KernelVersion
		}
	}
	return DeviceInfo{
		Hostname:     hostname,
		OSName:       osDisplayName(),
		OSVersion:    osVersion,
		AgentVersion: agentVersion,
	}
}

// DeviceName is the human-readable token name shown in the web UI
func (d DeviceInfo) DeviceName() string {
	return fmt.Sprintf("%s (%s)", d.Hostname, d.OSName)
}

// MachineID is a stable identifier derived from hostname and OS
func (d DeviceInfo) MachineID() string {
	raw := fmt.Sprintf("%s-%s-%s", d.Hostname, d.OSName, d.OSVersion)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:32]
}

// PlatformKey maps the OS to the backend platform enum
func (d DeviceInfo) PlatformKey() string {
	switch d.OSName {
	case "Darwin":
		return "darwin"
	case "Windows":
		return "win32"
	default:
		return "linux"
	}
}

func osDisplayName() string {
	switch runtime.GOOS {
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}
