package connection

import "errors"

var (
	// ErrDeviceNotConnected is returned when sending to a device with no
	// active connection.
	ErrDeviceNotConnected = errors.New("connection: device not connected")

	// ErrMonitorState is returned for Start/Stop calls in the wrong
	// state.
	ErrMonitorState = errors.New("connection: invalid monitor state")
)
