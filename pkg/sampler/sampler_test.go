package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcIO(t *testing.T) {
	text := `rchar: 4096
wchar: 1024
syscr: 50
syscw: 20
read_bytes: 8192
write_bytes: 0
cancelled_write_bytes: 0
`
	assert.Equal(t, int64(5120), ParseProcIO(text))
}

func TestParseProcIOGarbage(t *testing.T) {
	assert.Equal(t, int64(0), ParseProcIO(""))
	assert.Equal(t, int64(0), ParseProcIO("not a proc io file"))
}

func TestParseSS(t *testing.T) {
	text := `Netid State  Recv-Q Send-Q Local Address:Port  Peer Address:Port Process
tcp   ESTAB  0      0      10.0.0.5:44422      10.0.0.9:5522 users:(("xysat",pid=4242,fd=12)) cubic wscale:7,7 bytes_acked:123456 bytes_received:654321
tcp   LISTEN 0      128    0.0.0.0:22          0.0.0.0:* users:(("sshd",pid=900,fd=3))
udp   UNCONN 0      0      127.0.0.1:323       0.0.0.0:* users:(("chronyd",pid=800,fd=5))
tcp   ESTAB  0      0      10.0.0.5:60000      1.2.3.4:443
`
	socks := ParseSS(text)
	require.Len(t, socks, 3, "rows without pid info are skipped")

	first := socks[0]
	assert.Equal(t, "tcp", first.Type)
	assert.Equal(t, "ESTABLISHED", first.State)
	assert.Equal(t, "10.0.0.5:44422", first.LocalAddr)
	assert.Equal(t, "10.0.0.9:5522", first.RemoteAddr)
	assert.Equal(t, 4242, first.Pid)
	assert.Equal(t, int64(123456), first.BytesOut)
	assert.Equal(t, int64(654321), first.BytesIn)

	assert.Equal(t, "LISTEN", socks[1].State)
	assert.Equal(t, "UNCONNECTED", socks[2].State)
	assert.Equal(t, "udp", socks[2].Type)
}

func TestProcSnapshotByPid(t *testing.T) {
	snap := GetProcs()
	require.NotNil(t, snap)
	pids := snap.ByPid()
	assert.Equal(t, len(snap.List), len(pids))
}

func TestGetLoadAvg(t *testing.T) {
	load := GetLoadAvg()
	for _, v := range load {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestLastPathPart(t *testing.T) {
	assert.Equal(t, "us-central1-a", lastPathPart("projects/1234/zones/us-central1-a"))
	assert.Equal(t, "plain", lastPathPart("plain"))
	assert.Equal(t, "", lastPathPart(""))
}
