package rauth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupported is matched by every UnsupportedError.
	ErrUnsupported = errors.New("rauth: capability not supported")

	ErrUnknownProvider    = errors.New("rauth: no provider for authentication service")
	ErrDuplicateProvider  = errors.New("rauth: authentication service registered twice")
	ErrNoProviders        = errors.New("rauth: no providers registered")
	ErrInitialized        = errors.New("rauth: registry already initialized")
	ErrNotInitialized     = errors.New("rauth: registry not initialized")
	ErrRegistryClosed     = errors.New("rauth: registry closed")
	ErrUnknownProtocolExt = errors.New("rauth: provider has no extension for protocol")
)

// UnsupportedError reports a capability a provider does not implement.
type UnsupportedError struct {
	Svc        AuthnSvc
	Capability Capability
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("rauth: %s does not support %s", e.Svc, e.Capability)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// Unsupported returns the error a provider reports for a missing capability.
func Unsupported(svc AuthnSvc, c Capability) error {
	return &UnsupportedError{Svc: svc, Capability: c}
}

// ProviderError is one provider's answer during a multi-provider operation.
type ProviderError struct {
	Svc  AuthnSvc
	Name string
	Err  error
}

// Unsupported reports whether the provider lacks the capability, as opposed
// to having tried and failed.
func (e ProviderError) Unsupported() bool {
	return errors.Is(e.Err, ErrUnsupported)
}

// ResolveError is returned when no provider could resolve an identity. It
// lists every provider asked, in order.
//
// errors.Is(err, ErrUnsupported) holds only when no provider implements
// identity resolution. Real failures are reachable through Unwrap.
type ResolveError struct {
	Attempts []ProviderError
}

func (e *ResolveError) Error() string {
	var b strings.Builder
	b.WriteString("rauth: resolve identity failed:")
	for i, a := range e.Attempts {
		if i > 0 {
			b.WriteByte(';')
		}
		kind := "failed"
		if a.Unsupported() {
			kind = "unsupported"
		}
		fmt.Fprintf(&b, " %s(%s) %s: %v", a.Name, a.Svc, kind, a.Err)
	}
	return b.String()
}

func (e *ResolveError) Is(target error) bool {
	if target != ErrUnsupported || len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if !a.Unsupported() {
			return false
		}
	}
	return true
}

// Unwrap returns the errors of providers that tried and failed.
func (e *ResolveError) Unwrap() []error {
	var errs []error
	for _, a := range e.Attempts {
		if !a.Unsupported() {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Failures returns the attempts that were real failures.
func (e *ResolveError) Failures() []ProviderError {
	var out []ProviderError
	for _, a := range e.Attempts {
		if !a.Unsupported() {
			out = append(out, a)
		}
	}
	return out
}
