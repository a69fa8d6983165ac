//go:build opencl
// +build opencl

package derive

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#cgo windows LDFLAGS: -lOpenCL

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif

#include <stdlib.h>
*/
import "C"

import (
	_ "embed"
	"fmt"
	"sync/atomic"
	"unsafe"
)

//go:embed kernels/secp256k1.cl
var kernelSource string

const gpuLocalWorkSize = 256

// GPUEngine derives grids on an OpenCL device. The host uploads a single
// 256-bit base scalar; work item i computes (base+i)*G and writes the raw
// 64-byte affine coordinates into a contiguous buffer. The host re-tags the
// points with 0x04 on read-back.
//
// The engine owns an exclusive device context and is not safe for concurrent
// use; each GPU producer constructs its own.
type GPUEngine struct {
	cfg GPUConfig

	device  C.cl_device_id
	context C.cl_context
	queue   C.cl_command_queue
	program C.cl_program
	kernel  C.cl_kernel

	bufBase C.cl_mem // 32 bytes, big-endian base scalar
	bufOut  C.cl_mem // 2^gridBits * 64 bytes

	hostOut  []byte
	unusable atomic.Bool
}

func NewGPUEngine(cfg GPUConfig) (Engine, error) {
	if err := ValidateGridBits(cfg.GridBits); err != nil {
		return nil, err
	}
	e := &GPUEngine{cfg: cfg}
	if err := e.init(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *GPUEngine) Name() string {
	return fmt.Sprintf("opencl[%d:%d]", e.cfg.PlatformIndex, e.cfg.DeviceIndex)
}

// MarkUnusable permanently disables the engine after a failed self-test.
func (e *GPUEngine) MarkUnusable() { e.unusable.Store(true) }

func (e *GPUEngine) init() error {
	var ret C.cl_int

	platforms, err := clPlatforms()
	if err != nil {
		return err
	}
	if e.cfg.PlatformIndex >= len(platforms) {
		return fmt.Errorf("opencl platform %d not present (%d available)", e.cfg.PlatformIndex, len(platforms))
	}
	platform := platforms[e.cfg.PlatformIndex]

	devices, err := clDevices(platform)
	if err != nil {
		return err
	}
	if e.cfg.DeviceIndex >= len(devices) {
		return fmt.Errorf("opencl device %d not present on platform %d (%d available)", e.cfg.DeviceIndex, e.cfg.PlatformIndex, len(devices))
	}
	e.device = devices[e.cfg.DeviceIndex]

	e.context = C.clCreateContext(nil, 1, &e.device, nil, nil, &ret)
	if ret != C.CL_SUCCESS {
		return fmt.Errorf("clCreateContext: %d", ret)
	}
	e.queue = C.clCreateCommandQueue(e.context, e.device, 0, &ret)
	if ret != C.CL_SUCCESS {
		return fmt.Errorf("clCreateCommandQueue: %d", ret)
	}

	src := C.CString(kernelSource)
	defer C.free(unsafe.Pointer(src))
	length := C.size_t(len(kernelSource))
	e.program = C.clCreateProgramWithSource(e.context, 1, &src, &length, &ret)
	if ret != C.CL_SUCCESS {
		return fmt.Errorf("clCreateProgramWithSource: %d", ret)
	}
	if ret = C.clBuildProgram(e.program, 1, &e.device, nil, nil, nil); ret != C.CL_SUCCESS {
		var logSize C.size_t
		C.clGetProgramBuildInfo(e.program, e.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &logSize)
		buildLog := make([]byte, logSize)
		C.clGetProgramBuildInfo(e.program, e.device, C.CL_PROGRAM_BUILD_LOG, logSize, unsafe.Pointer(&buildLog[0]), nil)
		return fmt.Errorf("clBuildProgram: %s", string(buildLog))
	}

	kName := C.CString("derive_grid")
	defer C.free(unsafe.Pointer(kName))
	e.kernel = C.clCreateKernel(e.program, kName, &ret)
	if ret != C.CL_SUCCESS {
		return fmt.Errorf("clCreateKernel: %d", ret)
	}

	count := 1 << e.cfg.GridBits
	outSize := count * PointSize
	e.bufBase = C.clCreateBuffer(e.context, C.CL_MEM_READ_ONLY, 32, nil, &ret)
	if ret != C.CL_SUCCESS {
		return fmt.Errorf("clCreateBuffer(base): %d", ret)
	}
	e.bufOut = C.clCreateBuffer(e.context, C.CL_MEM_WRITE_ONLY, C.size_t(outSize), nil, &ret)
	if ret != C.CL_SUCCESS {
		return fmt.Errorf("clCreateBuffer(out): %d", ret)
	}
	C.clSetKernelArg(e.kernel, 0, C.size_t(unsafe.Sizeof(e.bufBase)), unsafe.Pointer(&e.bufBase))
	C.clSetKernelArg(e.kernel, 1, C.size_t(unsafe.Sizeof(e.bufOut)), unsafe.Pointer(&e.bufOut))

	e.hostOut = make([]byte, outSize)
	return nil
}

func (e *GPUEngine) DeriveGrid(base [32]byte, gridBits uint) (*Batch, error) {
	if e.unusable.Load() {
		return nil, ErrEngineUnusable
	}
	if gridBits != e.cfg.GridBits {
		return nil, fmt.Errorf("%w: engine sized for %d bits, got %d", ErrGridBitsOutOfRange, e.cfg.GridBits, gridBits)
	}

	ret := C.clEnqueueWriteBuffer(e.queue, e.bufBase, C.CL_TRUE, 0, 32,
		unsafe.Pointer(&base[0]), 0, nil, nil)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clEnqueueWriteBuffer: %d", ret)
	}

	count := 1 << gridBits
	globalSize := C.size_t(count)
	localSize := C.size_t(gpuLocalWorkSize)
	if count < gpuLocalWorkSize {
		localSize = globalSize
	}
	if ret = C.clEnqueueNDRangeKernel(e.queue, e.kernel, 1, nil, &globalSize, &localSize, 0, nil, nil); ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clEnqueueNDRangeKernel: %d", ret)
	}
	if ret = C.clEnqueueReadBuffer(e.queue, e.bufOut, C.CL_TRUE, 0, C.size_t(len(e.hostOut)),
		unsafe.Pointer(&e.hostOut[0]), 0, nil, nil); ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clEnqueueReadBuffer: %d", ret)
	}

	batch := &Batch{
		Base:     base,
		GridBits: gridBits,
		Points:   make([]byte, count*UncompressedSize),
	}
	for i := 0; i < count; i++ {
		out := batch.Points[i*UncompressedSize : (i+1)*UncompressedSize]
		out[0] = tagUncompressed
		copy(out[1:], e.hostOut[i*PointSize:(i+1)*PointSize])
	}
	return batch, nil
}

func (e *GPUEngine) Close() error {
	if e.bufBase != nil {
		C.clReleaseMemObject(e.bufBase)
	}
	if e.bufOut != nil {
		C.clReleaseMemObject(e.bufOut)
	}
	if e.kernel != nil {
		C.clReleaseKernel(e.kernel)
	}
	if e.program != nil {
		C.clReleaseProgram(e.program)
	}
	if e.queue != nil {
		C.clReleaseCommandQueue(e.queue)
	}
	if e.context != nil {
		C.clReleaseContext(e.context)
	}
	return nil
}

func clPlatforms() ([]C.cl_platform_id, error) {
	var num C.cl_uint
	if C.clGetPlatformIDs(0, nil, &num) != C.CL_SUCCESS || num == 0 {
		return nil, fmt.Errorf("no OpenCL platforms found")
	}
	platforms := make([]C.cl_platform_id, num)
	C.clGetPlatformIDs(num, &platforms[0], nil)
	return platforms, nil
}

func clDevices(platform C.cl_platform_id) ([]C.cl_device_id, error) {
	var num C.cl_uint
	if C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_GPU, 0, nil, &num) != C.CL_SUCCESS || num == 0 {
		return nil, fmt.Errorf("no OpenCL GPU devices found")
	}
	devices := make([]C.cl_device_id, num)
	C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_GPU, num, &devices[0], nil)
	return devices, nil
}

func clDeviceString(dev C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	C.clGetDeviceInfo(dev, param, 0, nil, &size)
	if size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetDeviceInfo(dev, param, size, unsafe.Pointer(&buf[0]), nil)
	// drop the trailing NUL
	return string(buf[:size-1])
}

func clPlatformString(p C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	C.clGetPlatformInfo(p, param, 0, nil, &size)
	if size == 0 {
		return ""
	}
	buf := make([]byte, size)
	C.clGetPlatformInfo(p, param, size, unsafe.Pointer(&buf[0]), nil)
	return string(buf[:size-1])
}

// ListOpenCLDevices enumerates all GPU devices on all platforms.
func ListOpenCLDevices() ([]DeviceInfo, error) {
	platforms, err := clPlatforms()
	if err != nil {
		return nil, err
	}
	var out []DeviceInfo
	for pi, platform := range platforms {
		platformName := clPlatformString(platform, C.CL_PLATFORM_NAME)
		devices, err := clDevices(platform)
		if err != nil {
			continue
		}
		for di, dev := range devices {
			var units C.cl_uint
			var mem C.cl_ulong
			var wg C.size_t
			C.clGetDeviceInfo(dev, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(units)), unsafe.Pointer(&units), nil)
			C.clGetDeviceInfo(dev, C.CL_DEVICE_GLOBAL_MEM_SIZE, C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem), nil)
			C.clGetDeviceInfo(dev, C.CL_DEVICE_MAX_WORK_GROUP_SIZE, C.size_t(unsafe.Sizeof(wg)), unsafe.Pointer(&wg), nil)
			out = append(out, DeviceInfo{
				PlatformIndex: pi,
				PlatformName:  platformName,
				DeviceIndex:   di,
				Name:          clDeviceString(dev, C.CL_DEVICE_NAME),
				Vendor:        clDeviceString(dev, C.CL_DEVICE_VENDOR),
				Version:       clDeviceString(dev, C.CL_DEVICE_VERSION),
				ComputeUnits:  int(units),
				GlobalMem:     uint64(mem),
				MaxWorkGroup:  int(wg),
			})
		}
	}
	return out, nil
}
