//go:build !(linux && mediadevices)

package rtc

func newDeviceCapturer() (Capturer, error) {
	return nil, ErrDevicesUnavailable
}
