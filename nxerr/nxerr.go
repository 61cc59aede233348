// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package nxerr defines the error taxonomy shared by every layer of the
// content-extraction stack: block I/O up through the package assembler.
package nxerr

import "fmt"

// Kind is one error-taxonomy member from the component design.
type Kind string

// The error kinds, grouped the way the component design groups them.
const (
	KindIoError            Kind = "IoError"
	KindBadMagic            Kind = "BadMagic"
	KindUnsupportedVersion  Kind = "UnsupportedVersion"
	KindCorruptMetadata     Kind = "CorruptMetadata"
	KindHashMismatch        Kind = "HashMismatch"
	KindSignatureInvalid    Kind = "SignatureInvalid"
	KindKeyUnavailable      Kind = "KeyUnavailable"
	KindTitlekeyUnavailable Kind = "TitlekeyUnavailable"
	KindTicketNotFound      Kind = "TicketNotFound"
	KindRsaDecryptFailed    Kind = "RsaDecryptFailed"
	KindDeviceKeyWiped      Kind = "DeviceKeyWiped"
	KindWrongKeys           Kind = "WrongKeys"
	KindOutOfRange          Kind = "OutOfRange"
	KindInvalidArgument     Kind = "InvalidArgument"
	KindNotReady            Kind = "NotReady"
	KindBusy                Kind = "Busy"
	KindCancelled           Kind = "Cancelled"
)

// Retriable reports whether a transient IoError is worth retrying once,
// per spec.md §7 ("Retried once on transient cartridge errors").
func (k Kind) Retriable() bool { return k == KindIoError }

// Error is the error value every component returns. It carries the
// component tag and, where meaningful, the byte offset that produced it,
// so a caller can render "one localized string with at most one variable
// substitution" without re-deriving context from the wrapped error.
type Error struct {
	Component string
	Kind      Kind
	Offset    int64 // -1 when not meaningful
	Name      string // optional: a file/entry/key name substitution
	Err       error  // underlying cause, optional
}

func (e *Error) Error() string {
	switch {
	case e.Offset >= 0 && e.Name != "":
		return fmt.Sprintf("%s: %s (%s @ %#x): %v", e.Component, e.Kind, e.Name, e.Offset, e.Err)
	case e.Offset >= 0:
		return fmt.Sprintf("%s: %s @ %#x: %v", e.Component, e.Kind, e.Offset, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Component, e.Kind, e.Name, e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Component, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, target) match when target is an *Error with the
// same Kind and either an empty or the same Component; callers typically
// use Of() instead.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind && (other.Component == "" || e.Component == other.Component)
}

// New builds an Error with no offset/name substitution.
func New(component string, kind Kind, err error) *Error {
	return &Error{Component: component, Kind: kind, Offset: -1, Err: err}
}

// WithOffset builds an Error whose variable substitution is a byte offset.
func WithOffset(component string, kind Kind, offset int64, err error) *Error {
	return &Error{Component: component, Kind: kind, Offset: offset, Err: err}
}

// WithName builds an Error whose variable substitution is a name.
func WithName(component string, kind Kind, name string, err error) *Error {
	return &Error{Component: component, Kind: kind, Offset: -1, Name: name, Err: err}
}

// Of reports whether err (or anything it wraps) is an *Error of kind k.
func Of(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == k {
				return true
			}
			err = e.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
