package config

import (
	"fmt"
	"strings"
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
	DeviceMPS  = "mps"
)

// NormalizeDevice canonicalizes a device name. Accelerator names are accepted
// here; whether a bundle can be loaded on them is decided at load time.
func NormalizeDevice(raw string) (string, error) {
	device := strings.ToLower(strings.TrimSpace(raw))
	if device == "" {
		return DeviceCPU, nil
	}

	if i := strings.IndexByte(device, ':'); i > 0 {
		// "cuda:0" keeps its ordinal so bundles are cached per physical device.
		if device[:i] != DeviceCUDA {
			return "", fmt.Errorf("invalid device %q (only cuda accepts an ordinal)", raw)
		}
		return device, nil
	}

	switch device {
	case DeviceCPU, DeviceCUDA, DeviceMPS:
		return device, nil
	case "gpu", "accelerator":
		return DeviceCUDA, nil
	default:
		return "", fmt.Errorf("invalid device %q (expected %s|%s|%s)", raw, DeviceCPU, DeviceCUDA, DeviceMPS)
	}
}
