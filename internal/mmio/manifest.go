package mmio

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtiomm/internal/hv"
)

// Manifest describes a bus's static device placement, loaded from YAML.
// This is additive config-layer sugar over Bus/Config: every non-trivial
// deployment of this transport needs some way to declare "these devices,
// at these windows, with RSLD on or off" rather than literal Go
// construction for each one.
type Manifest struct {
	WindowBase uint64           `yaml:"window_base"`
	WindowStep uint64           `yaml:"window_step"`
	RSLD       *RSLDManifest    `yaml:"rsld,omitempty"`
	Devices    []DeviceManifest `yaml:"devices"`
}

// RSLDManifest configures the shared-memory arena a Manifest's devices may
// opt into.
type RSLDManifest struct {
	PhysBase uint64 `yaml:"phys_base"`
	Size     uint64 `yaml:"size"`
	HvlIRQ   uint32 `yaml:"hvl_irq"`
}

// DeviceManifest describes one device entry.
type DeviceManifest struct {
	Name       string `yaml:"name"`
	DeviceID   uint32 `yaml:"device_id"`
	VendorID   uint32 `yaml:"vendor_id,omitempty"`
	QueueCount int    `yaml:"queue_count"`
	MSISharing bool   `yaml:"msi_sharing,omitempty"`
	SignalMSI  bool   `yaml:"signal_msi,omitempty"`
	RSLD       bool   `yaml:"rsld,omitempty"`
}

// LoadManifest parses a bus manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mmio: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("mmio: parse manifest: %w", err)
	}
	if m.WindowBase == 0 {
		return nil, fmt.Errorf("mmio: manifest: window_base is required")
	}
	for i, d := range m.Devices {
		if d.Name == "" {
			return nil, fmt.Errorf("mmio: manifest: devices[%d] missing name", i)
		}
		if d.QueueCount <= 0 {
			return nil, fmt.Errorf("mmio: manifest: device %q: queue_count must be > 0", d.Name)
		}
	}
	return &m, nil
}

// BusConfig builds the hv-independent half of a Bus's configuration from
// the manifest. Callers still supply the hv.MemoryRegion for RSLD, since
// memory allocation is a VM Interface concern.
func (m *Manifest) BusConfig(shadow hv.MemoryRegion) BusConfig {
	cfg := BusConfig{
		WindowBase: m.WindowBase,
		WindowStep: m.WindowStep,
	}
	if m.RSLD != nil {
		cfg.Shadow = shadow
		cfg.PhysBase = m.RSLD.PhysBase
	}
	return cfg
}
