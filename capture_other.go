//go:build !linux

package cwndlab

// StartCapture always fails with [ErrNotSupported] on this platform.
func StartCapture(config *CaptureConfig) (*Capture, error) {
	return nil, ErrNotSupported
}
