package discovery

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsign-io/coldsign/hwi"
)

// lineListener serves the line protocol on a loopback socket, standing in
// for a companion app.
func lineListener(t *testing.T, fingerprint string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					var resp string
					switch strings.TrimSpace(line) {
					case "version":
						resp = "1.8.0"
					case "fingerprint":
						resp = fingerprint
					default:
						resp = "error: unknown command"
					}
					if _, err := conn.Write([]byte(resp + "\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newTCPOnlyScanner(endpoints ...Endpoint) *Scanner {
	return NewScanner(Config{
		DisableHID:    true,
		DisableSerial: true,
		TCPEndpoints:  endpoints,
	})
}

func TestScanIdentifiesTCPDevice(t *testing.T) {
	addr := lineListener(t, "f5acc2fd")
	scanner := newTCPOnlyScanner(Endpoint{Addr: addr, Kind: hwi.KindSpecter})

	handles, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 1)
	defer handles[0].Close()

	assert.Equal(t, hwi.KindSpecter, handles[0].Kind())
	assert.Equal(t, "f5acc2fd", handles[0].Fingerprint().String())
	assert.Equal(t, hwi.Version{Major: 1, Minor: 8}, handles[0].Version())
}

func TestScanIsRepeatable(t *testing.T) {
	addr := lineListener(t, "f5acc2fd")
	scanner := newTCPOnlyScanner(Endpoint{Addr: addr, Kind: hwi.KindSpecter})

	for i := 0; i < 2; i++ {
		handles, err := scanner.Scan(context.Background())
		require.NoError(t, err)
		require.Len(t, handles, 1, "scan %d", i)
		assert.Equal(t, "specter/f5acc2fd", handles[0].ID())
		handles[0].Close()
	}
}

func TestScanSkipsUnreachableEndpoint(t *testing.T) {
	good := lineListener(t, "f5acc2fd")
	scanner := newTCPOnlyScanner(
		Endpoint{Addr: "127.0.0.1:1", Kind: hwi.KindSpecter},
		Endpoint{Addr: good, Kind: hwi.KindSpecter},
	)

	handles, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 1, "a dead endpoint never fails the scan")
	handles[0].Close()
}

func TestScanTimeoutBoundsWedgedEndpoint(t *testing.T) {
	// Accepts connections and never answers, like a wedged simulator.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			if _, err := ln.Accept(); err != nil {
				return
			}
		}
	}()

	scanner := NewScanner(Config{
		DisableHID:    true,
		DisableSerial: true,
		TCPEndpoints:  []Endpoint{{Addr: ln.Addr().String(), Kind: hwi.KindLedgerSimulator}},
		ScanTimeout:   100 * time.Millisecond,
	})

	start := time.Now()
	handles, err := scanner.Scan(context.Background())
	assert.Empty(t, handles)
	assert.ErrorIs(t, err, hwi.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second,
		"the scan deadline bounds identification handshakes, not just enumeration")
}

func TestScanHonorsDenyList(t *testing.T) {
	addr := lineListener(t, "f5acc2fd")
	scanner := NewScanner(Config{
		DisableHID:    true,
		DisableSerial: true,
		TCPEndpoints:  []Endpoint{{Addr: addr, Kind: hwi.KindSpecter}},
		Deny:          []hwi.DeviceKind{hwi.KindSpecter},
	})

	handles, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestScanHonorsAllowList(t *testing.T) {
	addr := lineListener(t, "f5acc2fd")
	scanner := NewScanner(Config{
		DisableHID:    true,
		DisableSerial: true,
		TCPEndpoints:  []Endpoint{{Addr: addr, Kind: hwi.KindSpecter}},
		Allow:         []hwi.DeviceKind{hwi.KindLedger},
	})

	handles, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestAllowDenyPrecedence(t *testing.T) {
	s := NewScanner(Config{
		Allow: []hwi.DeviceKind{hwi.KindJade},
		Deny:  []hwi.DeviceKind{hwi.KindJade},
	})
	assert.False(t, s.allowed(hwi.KindJade), "deny wins over allow")
	assert.False(t, s.allowed(hwi.KindLedger), "not in the allow list")

	open := NewScanner(Config{})
	assert.True(t, open.allowed(hwi.KindLedger))
}

func TestIndependentHandles(t *testing.T) {
	addrA := lineListener(t, "f5acc2fd")
	addrB := lineListener(t, "11223344")
	scanner := newTCPOnlyScanner(
		Endpoint{Addr: addrA, Kind: hwi.KindSpecter},
		Endpoint{Addr: addrB, Kind: hwi.KindSpecter},
	)

	handles, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 2)

	// Closing one handle must not disturb the other.
	require.NoError(t, handles[0].Close())
	_, err = handles[1].MasterFingerprint(context.Background())
	assert.NoError(t, err)
	handles[1].Close()
}
