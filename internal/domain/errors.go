package domain

import (
	"errors"
	"fmt"
)

// DiscoveryError wraps a socket bind/send failure during an SSDP sweep.
// These are non-fatal: the sweep returns whatever it found so far.
type DiscoveryError struct {
	Op  string
	Err error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discovery %s failed", e.Op)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

func NewDiscoveryError(op string, err error) *DiscoveryError {
	return &DiscoveryError{Op: op, Err: err}
}

// UnreachableError means the device description could not be re-fetched
// during validation. It is surfaced before any SOAP call is attempted.
type UnreachableError struct {
	DeviceID string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("device %s unreachable: %v", e.DeviceID, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

func NewUnreachableError(deviceID string, err error) *UnreachableError {
	return &UnreachableError{DeviceID: deviceID, Err: err}
}

// TransportError is a network-level failure sending a SOAP request:
// connect, timeout, or an oversized response.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("soap %s (%s): %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("soap %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(op, addr string, err error) *TransportError {
	return &TransportError{Op: op, Addr: addr, Err: err}
}

// UPnPFault is a well-formed SOAP fault carrying a UPnP error code.
type UPnPFault struct {
	Action      string
	Code        int
	Description string
	FaultString string
}

func (e *UPnPFault) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: UPnP error %d: %s", e.Action, e.Code, e.FriendlyMessage())
	}
	return fmt.Sprintf("%s: SOAP fault: %s", e.Action, e.FaultString)
}

// FriendlyMessage translates known UPnP error codes into messages the
// GUI can show directly. Unknown codes fall back to the raw fault text.
func (e *UPnPFault) FriendlyMessage() string {
	switch e.Code {
	case 501:
		return "the media URL is invalid or empty"
	case 701:
		return "the requested transition is not allowed in the current transport state"
	case 712:
		return "a parameter is invalid or out of range"
	case 714:
		return "the device cannot access the media URL"
	case 718:
		return "the media format is not supported by the device"
	default:
		if e.Description != "" {
			return e.Description
		}
		return e.FaultString
	}
}

// ValidationError rejects malformed caller input before any network call.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsUnreachableError(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

func IsUPnPFault(err error) bool {
	var uf *UPnPFault
	return errors.As(err, &uf)
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ErrDeviceNotFound is returned when a device id is not in the registry.
var ErrDeviceNotFound = errors.New("device not found")

// ErrNoAVTransport is returned when no AVTransport control URL could be
// resolved and no fallback applies.
var ErrNoAVTransport = errors.New("no AVTransport service available")

// ErrorKind labels an error for the command-surface response envelope.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidationError(err):
		return "validation"
	case errors.Is(err, ErrDeviceNotFound):
		return "not_found"
	case IsUnreachableError(err):
		return "unreachable"
	case IsUPnPFault(err):
		return "upnp_fault"
	default:
		var te *TransportError
		if errors.As(err, &te) {
			return "transport"
		}
		var de *DiscoveryError
		if errors.As(err, &de) {
			return "discovery"
		}
		return "internal"
	}
}
