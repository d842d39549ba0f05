package network

import "fmt"

// TransportError indicates the network was unreachable or timed out. Callers
// may retry; the engine never retries automatically outside the coordinator's
// periodic re-sync.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network: %s", e.Op)
	}
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError indicates a remote payload could not be decoded into known
// content. The owning message is persisted with a fallback body rather than
// dropped.
type DecodeError struct {
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network: decode message %s", e.MessageID)
	}
	return fmt.Sprintf("network: decode message %s: %v", e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
