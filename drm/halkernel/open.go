package halkernel

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	// Register the Vulkan HAL backend for OpenVulkan.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// ErrNoBackend is returned when the requested HAL backend is not available.
var ErrNoBackend = errors.New("halkernel: backend not available")

type instanceCreator interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// OpenNoop opens a kernel on the no-op HAL device. It needs no GPU.
func OpenNoop() (*Kernel, error) {
	return open(&noop.API{}, "noop")
}

// OpenVulkan opens a kernel on the first Vulkan GPU, preferring discrete
// and integrated adapters.
func OpenVulkan() (*Kernel, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, errors.Wrap(ErrNoBackend, "vulkan")
	}
	return open(backend, "vulkan")
}

func open(api instanceCreator, name string) (*Kernel, error) {
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, errors.Wrapf(err, "halkernel: create %s instance", name)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, errors.Newf("halkernel: no %s adapters found", name)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, errors.Wrapf(err, "halkernel: open %s device", name)
	}
	k, err := New(openDev.Device, openDev.Queue)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	k.instance = instance
	slogger().Info("halkernel: device opened", "backend", name, "adapter", selected.Info.Name)
	return k, nil
}

// NewFromProvider creates a kernel on the device of a host application.
// The provider must also expose HalDevice() and HalQueue() returning the
// hal.Device and hal.Queue it manages; the kernel does not destroy them.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Kernel, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, errors.New("halkernel: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, errors.New("halkernel: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, errors.New("halkernel: provider HalQueue is not hal.Queue")
	}
	return New(device, queue)
}
