//go:build !opencl
// +build !opencl

package derive

// NewGPUEngine is a stub; the real engine lives behind the "opencl" build tag.
func NewGPUEngine(cfg GPUConfig) (Engine, error) {
	return nil, ErrOpenCLNotAvailable
}

// ListOpenCLDevices is a stub; the real enumeration lives behind the
// "opencl" build tag.
func ListOpenCLDevices() ([]DeviceInfo, error) {
	return nil, ErrOpenCLNotAvailable
}
