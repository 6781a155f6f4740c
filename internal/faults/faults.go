package faults

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// InvalidEventError means the inbound push event is malformed. Fatal to the
// invocation; nothing downstream is touched.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event: %s", e.Reason)
}

// NotFoundError means the tag has no matching image (or the repository does
// not exist). Fatal to the invocation.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Resource)
}

// ThrottledError is a transient upstream rate limit. Retried internally with
// bounded backoff; surfaced only when the attempt budget is exhausted.
type ThrottledError struct {
	err error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: %v", e.err)
}

func (e *ThrottledError) Unwrap() error {
	return e.err
}

func Throttled(err error) error {
	if err == nil {
		return nil
	}
	return &ThrottledError{err: err}
}

// UpstreamError is any other backend fault (registry, function service,
// pipeline service). Not retried; fatal to the affected target only.
type UpstreamError struct {
	Service string
	err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s fault: %v", e.Service, e.err)
}

func (e *UpstreamError) Unwrap() error {
	return e.err
}

func Upstream(service string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Service: service, err: err}
}

// StoreError means the subscription store was unavailable. Per-target fatal,
// never fatal to the whole invocation.
type StoreError struct {
	err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("subscription store: %v", e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func Store(err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{err: err}
}

// DelegationError means the credential exchange for a target role was denied.
type DelegationError struct {
	RoleArn string
	err     error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("assume role %s: %v", e.RoleArn, e.err)
}

func (e *DelegationError) Unwrap() error {
	return e.err
}

func Delegation(roleArn string, err error) error {
	if err == nil {
		return nil
	}
	return &DelegationError{RoleArn: roleArn, err: err}
}

// TimeoutError means a bounded wait (function readiness poll) was exhausted.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s", e.Operation)
}

// PipelineNotFoundError means the named pipeline does not exist in the
// target account/region.
type PipelineNotFoundError struct {
	Pipeline string
}

func (e *PipelineNotFoundError) Error() string {
	return fmt.Sprintf("pipeline not found: %s", e.Pipeline)
}

// IsThrottle reports whether err is an AWS throttling fault.
func IsThrottle(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded", "Throttling":
		return true
	}
	return false
}
