package nonce

import "fmt"

var (
	// ErrEmptySigner is returned when a lease is requested without a signer address
	ErrEmptySigner = fmt.Errorf("signer address cannot be empty")

	// ErrAllocatorStopped is returned by Start when the allocator was already stopped
	ErrAllocatorStopped = fmt.Errorf("nonce allocator stopped")
)
