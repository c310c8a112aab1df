// Package mmio implements the virtio-MMIO transport core: register
// decode/encode, feature negotiation, virtqueue lifecycle, MSI vector
// table and interrupt delivery, an IO-event dispatcher, the RSLD
// shared-memory shadow-header protocol and device-tree fragment emission.
package mmio

// Register offsets within the 512-byte per-device window.
// Every access is 4 bytes wide except the device-config window at 0x100+,
// which is byte-granular.
const (
	regMagic             = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regHostFeatures      = 0x010
	regHostFeaturesSel   = 0x014
	regGuestFeatures     = 0x020
	regGuestFeaturesSel  = 0x024
	regGuestPageSize     = 0x028
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueAlign        = 0x03c
	regQueuePFN          = 0x040
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regMSIVecNum         = 0x0c0
	regMSIState          = 0x0c4
	regMSICmd            = 0x0c8
	regMSIVecSel         = 0x0d0
	regMSIAddrLo         = 0x0d4
	regMSIAddrHi         = 0x0d8
	regMSIData           = 0x0dc
	regConfig            = 0x100
	regDoorbell          = 0x1F0 // RSLD only
	windowSize    uint64 = 0x200
)

const (
	magicValue   uint32 = 0x74726976 // little-endian "virt"
	versionValue uint32 = 1
	vendorID     uint32 = 0x4d564b4c // "LKVM"

	queueNumMax uint16 = 256
	maxVQ              = 32 // VIRTIO_MMIO_MAX_VQ
)

// INTERRUPT_STATUS / INTERRUPT_ACK bits.
const (
	intVRing  uint32 = 1 << 0
	intConfig uint32 = 1 << 1
)

// STATUS bits (virtio device status byte, widened to the 32-bit register).
const (
	statusAcknowledge uint32 = 1 << 0
	statusDriver      uint32 = 1 << 1
	statusDriverOK    uint32 = 1 << 2
	statusFeaturesOK  uint32 = 1 << 3
	statusFailed      uint32 = 1 << 7
)

// Transport feature bits, carried in feature word 1 (bits 32-63).
// MMIO_NOTIFICATION is bit 39 overall -> bit 7 of word 1.
// MMIO_MSI is bit 40 overall -> bit 8 of word 1.
const (
	featMMIONotificationBit = 39
	featMMIOMSIBit          = 40
)

// MSI_CMD values.
const (
	msiCmdEnable = iota + 1
	msiCmdDisable
	msiCmdConfigure
	msiCmdMask
	msiCmdUnmask
	msiCmdMapConfig
	msiCmdMapQueue
)

// MSI_STATE bits.
const (
	msiStateEnabled uint32 = 1 << 31
	msiStateSharing uint32 = 1 << 30
)

// noVector marks an unbound vq_vector/config_vector slot.
const noVector uint32 = 0xFFFFFFFF

// msiVecNum = MAX_VQ + 1 (one config vector + one per queue).
const msiVecNum uint32 = maxVQ + 1
