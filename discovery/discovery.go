// Package discovery enumerates reachable signing devices across all
// transport kinds, classifies each one with a read-only identification
// handshake, and yields handles bound to the matching protocol adapter. No
// state-mutating operation ever runs during a scan.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coldsign-io/coldsign/devices/bitbox"
	"github.com/coldsign-io/coldsign/devices/jade"
	"github.com/coldsign-io/coldsign/devices/ledger"
	"github.com/coldsign-io/coldsign/devices/specter"
	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/pairstore"
	"github.com/coldsign-io/coldsign/transport"
	"github.com/coldsign-io/coldsign/transport/serialport"
	"github.com/coldsign-io/coldsign/transport/tcp"
	"github.com/coldsign-io/coldsign/transport/usbhid"
)

// USB vendor ids of the HID device families.
const (
	vendorLedger uint16 = 0x2C97
	vendorBitBox uint16 = 0x03EB
)

// DefaultScanTimeout bounds one whole scan.
const DefaultScanTimeout = 10 * time.Second

// Endpoint is a configured network target, used by families with a
// companion-app or simulator mode.
type Endpoint struct {
	Addr string
	Kind hwi.DeviceKind
}

// Config controls what a Scanner probes and how patiently.
type Config struct {
	// Per-transport enable switches. Everything is on by default.
	DisableHID    bool
	DisableSerial bool
	DisableTCP    bool

	// Allow, when non-empty, restricts scanning to the listed families.
	Allow []hwi.DeviceKind
	// Deny always excludes the listed families.
	Deny []hwi.DeviceKind

	// ScanTimeout bounds the whole scan; DefaultScanTimeout when zero.
	ScanTimeout time.Duration
	// Timeouts carries the per-operation overrides handed to each handle.
	Timeouts hwi.Options

	// SerialBaudRate overrides the default console speed.
	SerialBaudRate int
	// TCPEndpoints lists network targets to probe.
	TCPEndpoints []Endpoint

	// PairingStore retains encrypted-channel pairings. In-memory (lost on
	// exit) when nil.
	PairingStore bitbox.PairingStore

	// Logger defaults to a nop logger.
	Logger *zap.SugaredLogger
}

// Scanner finds devices. Its only shared mutable state is the registry of
// endpoints currently being probed, guarded by a lock that is never held
// across an I/O wait.
type Scanner struct {
	cfg   Config
	log   *zap.SugaredLogger
	store bitbox.PairingStore

	mu   sync.Mutex
	busy map[string]bool
}

// NewScanner builds a Scanner from cfg.
func NewScanner(cfg Config) *Scanner {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	store := cfg.PairingStore
	if store == nil {
		store = pairstore.NewMemory()
	}
	return &Scanner{cfg: cfg, log: log, store: store, busy: make(map[string]bool)}
}

// acquire registers an endpoint as in-progress; a second concurrent scan
// skips it rather than fighting over the exclusive transport.
func (s *Scanner) acquire(endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[endpoint] {
		return false
	}
	s.busy[endpoint] = true
	return true
}

func (s *Scanner) release(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, endpoint)
}

func (s *Scanner) allowed(kind hwi.DeviceKind) bool {
	for _, k := range s.cfg.Deny {
		if k == kind {
			return false
		}
	}
	if len(s.cfg.Allow) == 0 {
		return true
	}
	for _, k := range s.cfg.Allow {
		if k == kind {
			return true
		}
	}
	return false
}

// Scan probes all enabled transport kinds concurrently and returns a handle
// for every device identified. Per-candidate failures are logged and
// skipped; an unchanged physical device set yields handles with identical
// fingerprints and kinds.
func (s *Scanner) Scan(ctx context.Context) ([]*hwi.Handle, error) {
	timeout := s.cfg.ScanTimeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// USB enumeration, serial listing and network probing are unrelated
	// I/O; they must not serialize against each other.
	var (
		wg      sync.WaitGroup
		results = make(chan *hwi.Handle)
	)
	if !s.cfg.DisableHID {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.scanHID(ctx, results)
		}()
	}
	if !s.cfg.DisableSerial {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.scanSerial(ctx, results)
		}()
	}
	if !s.cfg.DisableTCP {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.scanTCP(ctx, results)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var handles []*hwi.Handle
	for handle := range results {
		handles = append(handles, handle)
	}
	s.log.Infow("scan complete", "devices", len(handles))

	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: scan deadline exceeded", hwi.ErrTimeout)
	}
	return handles, err
}

func (s *Scanner) scanHID(ctx context.Context, results chan<- *hwi.Handle) {
	if !usbhid.Supported() {
		s.log.Debugw("hid enumeration unsupported on this platform")
		return
	}
	for _, info := range usbhid.Enumerate(0, 0) {
		var kind hwi.DeviceKind
		switch info.VendorID {
		case vendorLedger:
			kind = hwi.KindLedger
		case vendorBitBox:
			kind = hwi.KindBitBox
		default:
			continue
		}
		if !s.allowed(kind) {
			continue
		}

		endpoint := "hid:" + info.Path
		if !s.acquire(endpoint) {
			continue
		}
		handle, err := s.identifyHID(ctx, kind, info)
		s.release(endpoint)
		if err != nil {
			s.log.Warnw("hid candidate failed identification", "path", info.Path, "err", err)
			continue
		}
		select {
		case results <- handle:
		case <-ctx.Done():
			handle.Close()
			return
		}
	}
}

func (s *Scanner) identifyHID(ctx context.Context, kind hwi.DeviceKind, info usbhid.DeviceInfo) (*hwi.Handle, error) {
	conn, err := info.Open()
	if err != nil {
		return nil, err
	}
	t := transport.Open(conn)

	switch kind {
	case hwi.KindLedger:
		dev, err := ledger.New(ctx, t, ledger.WithLogger(s.log))
		if err != nil {
			t.Close()
			return nil, err
		}
		return s.finishHandle(ctx, dev)
	default:
		dev, err := bitbox.New(ctx, t, s.store, bitbox.WithLogger(s.log))
		if err != nil {
			t.Close()
			return nil, err
		}
		return s.finishHandle(ctx, dev)
	}
}

// finishHandle completes identification: read version and fingerprint,
// nothing else. An encrypted-channel device that is not yet paired is still
// surfaced, with a zero fingerprint, so the caller can run its pairing
// flow.
func (s *Scanner) finishHandle(ctx context.Context, dev hwi.Device) (*hwi.Handle, error) {
	version, err := dev.Version(ctx)
	if err != nil {
		dev.Close()
		return nil, err
	}
	var fp hwi.Fingerprint
	if paired, ok := dev.(interface{ Paired() bool }); !ok || paired.Paired() {
		fp, err = dev.MasterFingerprint(ctx)
		if err != nil {
			dev.Close()
			return nil, err
		}
	}
	return hwi.NewHandle(dev, fp, version, s.cfg.Timeouts), nil
}

// scanSerial probes every listed port, trying the structured-record
// protocol first and the line protocol second. A failed probe can leave
// console noise behind, so each protocol gets a fresh open.
func (s *Scanner) scanSerial(ctx context.Context, results chan<- *hwi.Handle) {
	ports, err := serialport.ListPorts()
	if err != nil {
		s.log.Warnw("serial port listing failed", "err", err)
		return
	}
	for _, port := range ports {
		endpoint := "serial:" + port
		if !s.acquire(endpoint) {
			continue
		}
		handle := s.identifySerial(ctx, port)
		s.release(endpoint)
		if handle == nil {
			continue
		}
		select {
		case results <- handle:
		case <-ctx.Done():
			handle.Close()
			return
		}
	}
}

func (s *Scanner) identifySerial(ctx context.Context, port string) *hwi.Handle {
	probes := []struct {
		kind hwi.DeviceKind
		open func(t *transport.Transport) (hwi.Device, error)
	}{
		{hwi.KindJade, func(t *transport.Transport) (hwi.Device, error) {
			return jade.New(ctx, t, jade.WithLogger(s.log))
		}},
		{hwi.KindSpecter, func(t *transport.Transport) (hwi.Device, error) {
			return specter.New(ctx, t, specter.WithLogger(s.log))
		}},
	}

	for _, probe := range probes {
		if !s.allowed(probe.kind) {
			continue
		}
		conn, err := serialport.Open(port, s.cfg.SerialBaudRate)
		if err != nil {
			s.log.Debugw("serial open failed", "port", port, "err", err)
			return nil
		}
		t := transport.Open(conn)
		dev, err := probe.open(t)
		if err != nil {
			t.Close()
			s.log.Debugw("serial probe mismatch", "port", port, "kind", probe.kind, "err", err)
			continue
		}
		handle, err := s.finishHandle(ctx, dev)
		if err != nil {
			s.log.Debugw("serial candidate failed identification", "port", port, "err", err)
			continue
		}
		return handle
	}
	return nil
}

func (s *Scanner) scanTCP(ctx context.Context, results chan<- *hwi.Handle) {
	for _, endpoint := range s.cfg.TCPEndpoints {
		if !s.allowed(endpoint.Kind) {
			continue
		}
		key := "tcp:" + endpoint.Addr
		if !s.acquire(key) {
			continue
		}
		handle, err := s.identifyTCP(ctx, endpoint)
		s.release(key)
		if err != nil {
			s.log.Debugw("tcp endpoint not reachable", "addr", endpoint.Addr, "err", err)
			continue
		}
		select {
		case results <- handle:
		case <-ctx.Done():
			handle.Close()
			return
		}
	}
}

func (s *Scanner) identifyTCP(ctx context.Context, endpoint Endpoint) (*hwi.Handle, error) {
	conn, err := tcp.Dial(ctx, endpoint.Addr)
	if err != nil {
		return nil, err
	}
	t := transport.Open(conn)

	var dev hwi.Device
	switch endpoint.Kind {
	case hwi.KindLedgerSimulator:
		dev, err = ledger.NewSimulator(ctx, t, ledger.WithLogger(s.log))
	case hwi.KindJade:
		dev, err = jade.New(ctx, t, jade.WithLogger(s.log))
	case hwi.KindSpecter:
		dev, err = specter.New(ctx, t, specter.WithLogger(s.log))
	case hwi.KindBitBox:
		dev, err = bitbox.New(ctx, t, s.store, bitbox.WithLogger(s.log))
	default:
		t.Close()
		return nil, hwi.ErrDeviceNotFound
	}
	if err != nil {
		t.Close()
		return nil, err
	}
	return s.finishHandle(ctx, dev)
}
