package client

import (
	"errors"
	"fmt"

	"swiftly/network"
	"swiftly/relay"
	"swiftly/transfer"
)

var (
	// ErrPairingDeclined indicates the target answered the pairing request with no.
	ErrPairingDeclined = errors.New("client: pairing declined")
	// ErrTransferFailed indicates the receiver could not finalize the file.
	ErrTransferFailed = errors.New("client: transfer failed on receiver")
	// ErrClosed indicates the device connection is gone.
	ErrClosed = errors.New("client: device closed")
	// ErrUnexpectedWelcome indicates the relay did not open with a welcome message.
	ErrUnexpectedWelcome = errors.New("client: relay did not send welcome")
)

// RemoteError is a failure reported by the relay. It unwraps to the
// matching relay or transfer sentinel so callers can use errors.Is.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay error %s", e.Code)
	}
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case network.PairingCodeTargetNotFound:
		return relay.ErrTargetNotFound
	case network.PairingCodeTimedOut:
		return relay.ErrTimedOut
	case network.PairingCodePeerDisconnected:
		return relay.ErrPeerDisconnected
	case network.PairingCodeInProgress:
		return relay.ErrPairingInProgress
	case network.PairingCodeSuperseded:
		return relay.ErrSuperseded
	case network.PairingCodeInvalidTarget:
		return relay.ErrInvalidTarget
	case network.PairingCodeNoPending:
		return relay.ErrNoPendingPairing
	case network.TransferCodePeerUnreachable:
		return transfer.ErrPeerUnreachable
	case network.TransferCodeNotPaired:
		return relay.ErrNotPaired
	case network.TransferCodeInvalidChunk:
		return transfer.ErrInvalidChunk
	case network.TransferCodeIncomplete:
		return transfer.ErrIncompleteTransfer
	default:
		return nil
	}
}
