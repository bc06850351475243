package sampler

import (
	gonet "net"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// MountInfo describes one mounted filesystem
type MountInfo struct {
	FS    string  `json:"fs"`
	Type  string  `json:"type"`
	Mount string  `json:"mount"`
	Size  uint64  `json:"size"`
	Used  uint64  `json:"used"`
	Use   float64 `json:"use"`
}

// GetDiskIO returns cumulative disk read/write bytes summed across physical
// devices; zero values on error
func GetDiskIO() IOBytes {
	counters, err := disk.IOCounters()
	if err != nil {
		return IOBytes{}
	}
	var io IOBytes
	for _, c := range counters {
		io.RX += c.ReadBytes
		io.TX += c.WriteBytes
	}
	return io
}

// GetMounts returns usage for every real (device-backed) mount, keyed by a
// sanitized mount point name
func GetMounts() map[string]MountInfo {
	parts, err := disk.Partitions(false)
	if err != nil {
		return nil
	}
	mounts := make(map[string]MountInfo)
	for _, part := range parts {
		usage, err := disk.Usage(part.Mountpoint)
		if err != nil {
			continue
		}
		key := mountKey(part.Mountpoint)
		mounts[key] = MountInfo{
			FS:    part.Device,
			Type:  part.Fstype,
			Mount: part.Mountpoint,
			Size:  usage.Total,
			Used:  usage.Used,
			Use:   usage.UsedPercent,
		}
	}
	return mounts
}

func mountKey(mount string) string {
	key := strings.TrimPrefix(mount, "/")
	mapped := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		ch := key[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_' {
			mapped = append(mapped, ch)
		} else {
			mapped = append(mapped, '_')
		}
	}
	if len(mapped) == 0 {
		return "root"
	}
	return string(mapped)
}

// externalInterfaces returns the names of all non-loopback interfaces that
// are up
func externalInterfaces() map[string]bool {
	out := make(map[string]bool)
	ifaces, err := gonet.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&gonet.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&gonet.FlagUp == 0 {
			continue
		}
		out[iface.Name] = true
	}
	return out
}

// GetNetIO returns cumulative network rx/tx bytes summed across external
// interfaces; zero values on error
func GetNetIO() IOBytes {
	counters, err := psnet.IOCounters(true)
	if err != nil {
		return IOBytes{}
	}
	external := externalInterfaces()
	var io IOBytes
	for _, c := range counters {
		if !external[c.Name] {
			continue
		}
		io.RX += c.BytesRecv
		io.TX += c.BytesSent
	}
	return io
}

// NetInterface describes one network interface with its counters
type NetInterface struct {
	Iface    string   `json:"iface"`
	Internal bool     `json:"internal"`
	Addrs    []string `json:"addrs,omitempty"`
	RxBytes  uint64   `json:"rx_bytes"`
	TxBytes  uint64   `json:"tx_bytes"`
	RxErrors uint64   `json:"rx_errors"`
	TxErrors uint64   `json:"tx_errors"`
}

// GetNetInterfaces returns all interfaces keyed by name, with counters
// merged in
func GetNetInterfaces() map[string]*NetInterface {
	out := make(map[string]*NetInterface)
	ifaces, err := gonet.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		ni := &NetInterface{
			Iface:    iface.Name,
			Internal: iface.Flags&gonet.FlagLoopback != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				ni.Addrs = append(ni.Addrs, addr.String())
			}
		}
		out[iface.Name] = ni
	}
	counters, err := psnet.IOCounters(true)
	if err != nil {
		return out
	}
	for _, c := range counters {
		ni, ok := out[c.Name]
		if !ok {
			continue
		}
		ni.RxBytes = c.BytesRecv
		ni.TxBytes = c.BytesSent
		ni.RxErrors = c.Errin
		ni.TxErrors = c.Errout
	}
	return out
}
