package hwi

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice scripts the capability interface for handle tests.
type fakeDevice struct {
	fingerprintFn func(ctx context.Context) (Fingerprint, error)
	registerFn    func(ctx context.Context, policy *Policy) (Proof, error)
	displayFn     func(ctx context.Context, req AddressRequest) error

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	closed   atomic.Bool
}

func (d *fakeDevice) Kind() DeviceKind { return KindLedger }
func (d *fakeDevice) Flags() Flags     { return FlagMultisigRegistration }

func (d *fakeDevice) Version(ctx context.Context) (Version, error) {
	return Version{2, 1, 0}, nil
}

func (d *fakeDevice) enter() func() {
	n := d.inFlight.Add(1)
	for {
		max := d.maxSeen.Load()
		if n <= max || d.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	return func() { d.inFlight.Add(-1) }
}

func (d *fakeDevice) MasterFingerprint(ctx context.Context) (Fingerprint, error) {
	defer d.enter()()
	if d.fingerprintFn != nil {
		return d.fingerprintFn(ctx)
	}
	return Fingerprint{0xf5, 0xac, 0xc2, 0xfd}, nil
}

func (d *fakeDevice) ExtendedPubKey(ctx context.Context, path DerivationPath) (XPub, error) {
	defer d.enter()()
	return XPub{Path: path}, nil
}

func (d *fakeDevice) RegisterPolicy(ctx context.Context, policy *Policy) (Proof, error) {
	defer d.enter()()
	if d.registerFn != nil {
		return d.registerFn(ctx, policy)
	}
	return Proof{1, 2, 3}, nil
}

func (d *fakeDevice) DisplayAddress(ctx context.Context, req AddressRequest) error {
	defer d.enter()()
	if d.displayFn != nil {
		return d.displayFn(ctx, req)
	}
	return nil
}

func (d *fakeDevice) SignPSBT(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error) {
	defer d.enter()()
	return packet, nil
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func newTestHandle(dev *fakeDevice, opts Options) *Handle {
	return NewHandle(dev, Fingerprint{0xf5, 0xac, 0xc2, 0xfd}, Version{2, 1, 0}, opts)
}

func TestHandleID(t *testing.T) {
	h := newTestHandle(&fakeDevice{}, Options{})
	assert.Equal(t, "ledger/f5acc2fd", h.ID())
}

func TestHandleTimeoutMapsToTaxonomy(t *testing.T) {
	dev := &fakeDevice{
		fingerprintFn: func(ctx context.Context) (Fingerprint, error) {
			<-ctx.Done()
			return Fingerprint{}, ctx.Err()
		},
	}
	h := newTestHandle(dev, Options{QueryTimeout: 20 * time.Millisecond})

	_, err := h.MasterFingerprint(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "ledger/f5acc2fd", opErr.Device)
	assert.Equal(t, "get_master_fingerprint", opErr.Op)
}

func TestHandleCallerDeadlineWins(t *testing.T) {
	var sawDeadline time.Time
	dev := &fakeDevice{
		fingerprintFn: func(ctx context.Context) (Fingerprint, error) {
			sawDeadline, _ = ctx.Deadline()
			return Fingerprint{}, nil
		},
	}
	h := newTestHandle(dev, Options{QueryTimeout: time.Hour})

	deadline := time.Now().Add(50 * time.Millisecond)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	_, err := h.MasterFingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, deadline, sawDeadline, "class default must not replace the caller's deadline")
}

func TestHandleCancelReleasesCaller(t *testing.T) {
	entered := make(chan struct{})
	dev := &fakeDevice{
		displayFn: func(ctx context.Context, req AddressRequest) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	h := newTestHandle(dev, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	err := h.DisplayAddress(ctx, AddressRequest{Path: DerivationPath{0}})
	assert.ErrorIs(t, err, context.Canceled)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "display_address", opErr.Op)

	// The abandoned confirm must not wedge the handle.
	fp, err := h.MasterFingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "f5acc2fd", fp.String())
}

func TestHandleSerializesCommands(t *testing.T) {
	dev := &fakeDevice{
		fingerprintFn: func(ctx context.Context) (Fingerprint, error) {
			time.Sleep(5 * time.Millisecond)
			return Fingerprint{}, nil
		},
	}
	h := newTestHandle(dev, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.MasterFingerprint(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dev.maxSeen.Load(), "at most one in-flight command per handle")
}

func TestHandleRegisterPolicyIdempotent(t *testing.T) {
	var calls atomic.Int32
	dev := &fakeDevice{
		registerFn: func(ctx context.Context, policy *Policy) (Proof, error) {
			calls.Add(1)
			return Proof{0xaa}, nil
		},
	}
	h := newTestHandle(dev, Options{})
	policy := &Policy{Name: "vault", Descriptor: multisigDescriptor()}

	first, err := h.RegisterPolicy(context.Background(), policy)
	require.NoError(t, err)
	second, err := h.RegisterPolicy(context.Background(), policy)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load(), "identical policy must reuse the recorded proof")

	proof, ok := h.ProofFor(policy)
	assert.True(t, ok)
	assert.Equal(t, first, proof)
}

func TestHandleRegisterPolicyFailureNotCached(t *testing.T) {
	var calls atomic.Int32
	dev := &fakeDevice{
		registerFn: func(ctx context.Context, policy *Policy) (Proof, error) {
			if calls.Add(1) == 1 {
				return nil, ErrUserRejected
			}
			return Proof{0xbb}, nil
		},
	}
	h := newTestHandle(dev, Options{})
	policy := &Policy{Name: "vault", Descriptor: multisigDescriptor()}

	_, err := h.RegisterPolicy(context.Background(), policy)
	assert.ErrorIs(t, err, ErrUserRejected)

	proof, err := h.RegisterPolicy(context.Background(), policy)
	require.NoError(t, err)
	assert.Equal(t, Proof{0xbb}, proof)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandleDisplayAddressFillsProof(t *testing.T) {
	var got AddressRequest
	dev := &fakeDevice{
		registerFn: func(ctx context.Context, policy *Policy) (Proof, error) {
			return Proof{0xcc}, nil
		},
		displayFn: func(ctx context.Context, req AddressRequest) error {
			got = req
			return nil
		},
	}
	h := newTestHandle(dev, Options{})
	policy := &Policy{Name: "vault", Descriptor: multisigDescriptor()}

	_, err := h.RegisterPolicy(context.Background(), policy)
	require.NoError(t, err)

	err = h.DisplayAddress(context.Background(), AddressRequest{Policy: policy, Index: 3})
	require.NoError(t, err)
	assert.Equal(t, Proof{0xcc}, got.Proof, "recorded proof travels with the request")
}

func TestHandleClosed(t *testing.T) {
	dev := &fakeDevice{}
	h := newTestHandle(dev, Options{})

	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "double close is fine")
	assert.True(t, dev.closed.Load())

	_, err := h.MasterFingerprint(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestNewOpError(t *testing.T) {
	assert.NoError(t, NewOpError("ledger/f5acc2fd", "sign_psbt", nil))

	err := NewOpError("ledger/f5acc2fd", "sign_psbt", ErrUserRejected)
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.EqualError(t, err, "ledger/f5acc2fd: sign_psbt: user rejected on device")
	assert.False(t, errors.Is(err, ErrTimeout))
}
