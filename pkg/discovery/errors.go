package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed advertiser.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyStarted is returned when starting an advertiser that is already running.
	ErrAlreadyStarted = errors.New("discovery: already started")

	// ErrNotStarted is returned when stopping an advertiser that was not started.
	ErrNotStarted = errors.New("discovery: not started")

	// ErrInvalidName is returned when the advertised name exceeds the maximum length.
	// Maximum length: 32 characters.
	ErrInvalidName = errors.New("discovery: invalid name (max 32 characters)")

	// ErrInvalidTXTRecord is returned when a TXT record has invalid format.
	ErrInvalidTXTRecord = errors.New("discovery: invalid TXT record format")

	// ErrNoAddresses is returned when the host has no usable addresses.
	ErrNoAddresses = errors.New("discovery: no usable addresses")
)
