package ledger

import (
	"fmt"

	"github.com/coldsign-io/coldsign/hwi"
)

// Status words terminating an APDU exchange.
const (
	swOK              uint16 = 0x9000
	swMoreData        uint16 = 0xE000
	swDeny            uint16 = 0x6985
	swNotRegistered   uint16 = 0x6A82
	swWrongParams     uint16 = 0x6A86
	swInsNotSupported uint16 = 0x6D00
	swAppLocked       uint16 = 0x5515
)

// statusErr maps a terminal status word into the shared taxonomy. swOK and
// swMoreData are not errors and never reach this.
func statusErr(sw uint16) error {
	switch sw {
	case swDeny:
		return hwi.ErrUserRejected
	case swNotRegistered:
		return fmt.Errorf("%w: wallet policy not registered on device", hwi.ErrPolicyMismatch)
	case swInsNotSupported, swWrongParams:
		return fmt.Errorf("%w: status %04x", hwi.ErrUnsupported, sw)
	case swAppLocked:
		return fmt.Errorf("%w: app locked", hwi.ErrPairingRequired)
	default:
		return fmt.Errorf("%w: unexpected status %04x", hwi.ErrProtocol, sw)
	}
}
