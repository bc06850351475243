package sampler

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// OSInfo describes the host operating system
type OSInfo struct {
	Platform string `json:"platform"`
	Distro   string `json:"distro,omitempty"`
	Release  string `json:"release,omitempty"`
	Kernel   string `json:"kernel,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// MemInfo is a snapshot of system memory
type MemInfo struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
	Buffers   uint64 `json:"buffers,omitempty"`
	Cached    uint64 `json:"cached,omitempty"`
}

// CPUInfo describes the host CPU
type CPUInfo struct {
	Manufacturer string  `json:"manufacturer,omitempty"`
	Brand        string  `json:"brand,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	Cores        int     `json:"cores"`
}

// CPULoad is a snapshot of current CPU utilization
type CPULoad struct {
	AvgLoad     float64   `json:"avgLoad"`
	CurrentLoad float64   `json:"currentLoad"`
	PerCPU      []float64 `json:"cpus,omitempty"`
}

// IOBytes is a pair of cumulative byte counters
type IOBytes struct {
	RX uint64 `json:"rx"`
	TX uint64 `json:"tx"`
}

// GetOSInfo returns static OS identification
func GetOSInfo() OSInfo {
	info := OSInfo{}
	hi, err := host.Info()
	if err != nil {
		return info
	}
	info.Platform = capitalize(hi.OS)
	info.Distro = hi.Platform
	info.Release = hi.PlatformVersion
	info.Kernel = hi.KernelVersion
	info.Arch = hi.KernelArch
	info.Hostname = hi.Hostname
	return info
}

// GetBootTime returns the host boot time (unix seconds), 0 if unknown
func GetBootTime() int64 {
	bt, err := host.BootTime()
	if err != nil {
		return 0
	}
	return int64(bt)
}

// GetMemory returns a memory snapshot; zero values on error
func GetMemory() MemInfo {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemInfo{}
	}
	return MemInfo{
		Total:     vm.Total,
		Free:      vm.Free,
		Used:      vm.Used,
		Available: vm.Available,
		Buffers:   vm.Buffers,
		Cached:    vm.Cached,
	}
}

// GetCPUInfo returns static CPU identification
func GetCPUInfo() CPUInfo {
	info := CPUInfo{}
	counts, err := cpu.Counts(true)
	if err == nil {
		info.Cores = counts
	}
	stats, err := cpu.Info()
	if err != nil || len(stats) == 0 {
		return info
	}
	info.Manufacturer = stats[0].VendorID
	info.Brand = stats[0].ModelName
	info.Speed = stats[0].Mhz
	return info
}

// GetCPULoad returns CPU utilization since the previous call. The first
// call in a process primes the counters and reports zero load.
func GetCPULoad() CPULoad {
	info := CPULoad{}
	if avg, err := load.Avg(); err == nil {
		info.AvgLoad = avg.Load1
	}
	if totals, err := cpu.Percent(0, false); err == nil && len(totals) > 0 {
		info.CurrentLoad = totals[0]
	}
	if percpu, err := cpu.Percent(0, true); err == nil {
		info.PerCPU = percpu
	}
	return info
}

// GetLoadAvg returns the 1/5/15 minute load averages
func GetLoadAvg() [3]float64 {
	avg, err := load.Avg()
	if err != nil {
		return [3]float64{}
	}
	return [3]float64{avg.Load1, avg.Load5, avg.Load15}
}

// Uptime returns host uptime in seconds
func Uptime() int64 {
	up, err := host.Uptime()
	if err != nil {
		return 0
	}
	return int64(up)
}

// Now returns the current unix time in seconds as a float
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
