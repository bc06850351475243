package sampler

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
)

var procIOLine = regexp.MustCompile(`(\w+):\s*(\d+)`)

// ParseProcIO parses the contents of /proc/<pid>/io and returns the sum of
// characters read and written (rchar + wchar). Unparseable input yields 0.
func ParseProcIO(text string) int64 {
	var total int64
	for _, match := range procIOLine.FindAllStringSubmatch(text, -1) {
		key := match[1]
		if key != "rchar" && key != "wchar" {
			continue
		}
		n, err := strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// ReadProcDiskBytes returns cumulative disk bytes for one process from
// /proc/<pid>/io. Non-linux platforms and read errors yield 0.
func ReadProcDiskBytes(pid int) int64 {
	if runtime.GOOS != "linux" {
		return 0
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/io", pid))
	if err != nil {
		return 0
	}
	return ParseProcIO(string(raw))
}
