package specter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
	"github.com/coldsign-io/coldsign/transport/transporttest"
)

const testXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

// lineDevice answers newline commands; the handler gets the command line
// and returns the response line.
func lineDevice(conn *transporttest.Conn, handler func(line string) string) {
	var pending []byte
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		pending = append(pending, frame...)
		for {
			i := strings.IndexByte(string(pending), '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(pending[:i]), "\r")
			pending = pending[i+1:]
			if conn.WriteFrame([]byte(handler(line)+"\n")) != nil {
				return
			}
		}
	}
}

func startSpecter(t *testing.T, handler func(line string) string) *Specter {
	t.Helper()

	host, devConn := transporttest.Pipe()
	go lineDevice(devConn, handler)

	tr := transport.Open(host)
	t.Cleanup(func() { tr.Close() })

	s, err := New(context.Background(), tr)
	require.NoError(t, err)
	return s
}

func versionThen(version string, handler func(line string) string) func(line string) string {
	return func(line string) string {
		if line == "version" {
			return version
		}
		return handler(line)
	}
}

func TestProbeAndFlags(t *testing.T) {
	s := startSpecter(t, versionThen("1.8.0", nil))
	assert.Equal(t, hwi.KindSpecter, s.Kind())
	assert.True(t, s.Flags().Has(hwi.FlagMultisigRegistration), "1.5+ firmware stores policies")

	old := startSpecter(t, versionThen("1.4.0", nil))
	assert.False(t, old.Flags().Has(hwi.FlagMultisigRegistration))
}

func TestFingerprintAndXPub(t *testing.T) {
	s := startSpecter(t, versionThen("1.8.0", func(line string) string {
		switch {
		case line == "fingerprint":
			return "f5acc2fd"
		case strings.HasPrefix(line, "xpub "):
			if line != "xpub m/84'/0'/0'" {
				return "error: unknown command"
			}
			return testXPub
		default:
			return "error: unsupported"
		}
	}))

	fp, err := s.MasterFingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "f5acc2fd", fp.String())

	path, _ := hwi.ParsePath("m/84'/0'/0'")
	xpub, err := s.ExtendedPubKey(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, testXPub, xpub.String())
}

func TestErrorLineMapping(t *testing.T) {
	responses := map[string]string{
		"showaddr path m/0": "error: cancelled by user",
		"sign AAAA":         "error: unsupported input type",
		"showaddr path m/1": "error: unknown wallet vault",
	}
	s := startSpecter(t, versionThen("1.8.0", func(line string) string {
		if resp, ok := responses[line]; ok {
			return resp
		}
		return "error: unknown command"
	}))

	err := s.DisplayAddress(context.Background(), hwi.AddressRequest{Path: hwi.DerivationPath{0}})
	assert.ErrorIs(t, err, hwi.ErrUserRejected)

	err = s.DisplayAddress(context.Background(), hwi.AddressRequest{Path: hwi.DerivationPath{1}})
	assert.ErrorIs(t, err, hwi.ErrPolicyMismatch)
}

func TestRegistrationGatedByFirmware(t *testing.T) {
	seen := 0
	s := startSpecter(t, versionThen("1.4.0", func(line string) string {
		seen++
		return "ok"
	}))

	_, err := s.RegisterPolicy(context.Background(), &hwi.Policy{Name: "w", Descriptor: "d"})
	assert.ErrorIs(t, err, hwi.ErrUnsupported)
	assert.Zero(t, seen, "old firmware is rejected before any wire exchange")
}

func TestGarbledLineRetried(t *testing.T) {
	attempts := 0
	s := startSpecter(t, versionThen("1.8.0", func(line string) string {
		if line != "fingerprint" {
			return "error: unknown command"
		}
		attempts++
		if attempts == 1 {
			return "error: flurble"
		}
		return "f5acc2fd"
	}))

	fp, err := s.MasterFingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "f5acc2fd", fp.String())
	assert.Equal(t, 2, attempts)
}

func TestQuoteName(t *testing.T) {
	assert.Equal(t, "cold_storage_vault", quoteName("cold storage vault"))
}
