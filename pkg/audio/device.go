package audio

import "fmt"

// DeviceErrorCode classifies capture and playback device failures so
// the UI can show the right remediation.
type DeviceErrorCode string

const (
	// PermissionDenied: the user or platform refused microphone access.
	PermissionDenied DeviceErrorCode = "permission_denied"

	// NoDevice: no capture or playback device is available.
	NoDevice DeviceErrorCode = "no_device"

	// Unsupported: the device cannot deliver a usable sample format.
	Unsupported DeviceErrorCode = "unsupported"
)

// DeviceError wraps a device failure with its classification.
type DeviceError struct {
	Code DeviceErrorCode
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: device error (%s)", e.Code)
	}
	return fmt.Sprintf("audio: device error (%s): %v", e.Code, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
