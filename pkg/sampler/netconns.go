package sampler

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

// SocketInfo is one row of the live socket table, with cumulative byte
// counters where the platform exposes them
type SocketInfo struct {
	Type       string
	State      string
	LocalAddr  string
	RemoteAddr string
	Pid        int
	BytesIn    int64
	BytesOut   int64
}

var (
	ssRowPattern    = regexp.MustCompile(`^(tcp|tcp4|tcp6|udp|udp4|udp6)\s+(\w+)\s+(\d+)\s+(\d+)\s+(\S+)\s+(\S+)\s+.+pid=(\d+)`)
	ssBytesAcked    = regexp.MustCompile(`\bbytes_acked:(\d+)`)
	ssBytesReceived = regexp.MustCompile(`\bbytes_received:(\d+)`)
)

// ParseSS parses `ss -nutipaO` output into socket records. Lines that do
// not match the expected row shape (headers, sockets without pid info) are
// skipped.
func ParseSS(text string) []SocketInfo {
	var socks []SocketInfo
	start := 0
	for start <= len(text) {
		end := start
		for end < len(text) && text[end] != '\n' {
			end++
		}
		line := text[start:end]
		start = end + 1

		m := ssRowPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, _ := strconv.Atoi(m[7])
		state := m[2]
		switch state {
		case "ESTAB":
			state = "ESTABLISHED"
		case "UNCONN":
			state = "UNCONNECTED"
		}
		sock := SocketInfo{
			Type:       m[1],
			State:      state,
			LocalAddr:  m[5],
			RemoteAddr: m[6],
			Pid:        pid,
		}
		if bm := ssBytesAcked.FindStringSubmatch(line); bm != nil {
			sock.BytesOut, _ = strconv.ParseInt(bm[1], 10, 64)
		}
		if bm := ssBytesReceived.FindStringSubmatch(line); bm != nil {
			sock.BytesIn, _ = strconv.ParseInt(bm[1], 10, 64)
		}
		socks = append(socks, sock)
	}
	return socks
}

// SSAvailable reports whether the ss utility can be used on this host
func SSAvailable() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("ss")
	return err == nil
}

// GetSockets returns the live socket table via ss. The command runs under a
// 1 second wall-clock timeout; failures yield an empty table.
func GetSockets() []SocketInfo {
	if !SSAvailable() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ss", "-nutipaO").Output()
	if err != nil {
		return nil
	}
	return ParseSS(string(out))
}

var connFamilyNames = map[uint32]string{
	1:  "unix",
	2:  "tcp4",
	10: "tcp6",
}

// GetConnections returns open network connections as conductor-shaped
// records, preferring ss (byte counters included) and falling back to the
// portable connection table elsewhere.
func GetConnections() []*types.Conn {
	if socks := GetSockets(); socks != nil {
		conns := make([]*types.Conn, 0, len(socks))
		for _, sock := range socks {
			conns = append(conns, &types.Conn{
				Type:       sock.Type,
				State:      sock.State,
				LocalAddr:  sock.LocalAddr,
				RemoteAddr: sock.RemoteAddr,
				Pid:        sock.Pid,
				BytesIn:    sock.BytesIn,
				BytesOut:   sock.BytesOut,
			})
		}
		return conns
	}

	stats, err := psnet.Connections("inet")
	if err != nil {
		return nil
	}
	conns := make([]*types.Conn, 0, len(stats))
	for _, stat := range stats {
		proto := connFamilyNames[stat.Family]
		if proto == "" {
			proto = "tcp"
		}
		state := stat.Status
		if state == "" {
			state = "unknown"
		}
		conns = append(conns, &types.Conn{
			Type:       proto,
			State:      state,
			LocalAddr:  fmt.Sprintf("%s:%d", stat.Laddr.IP, stat.Laddr.Port),
			RemoteAddr: fmt.Sprintf("%s:%d", stat.Raddr.IP, stat.Raddr.Port),
			Pid:        int(stat.Pid),
		})
	}
	return conns
}
