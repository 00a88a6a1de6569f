package mpr121

// Default I2C addresses (ADDR pin strapping).
const (
	Address    = 0x5A
	Address3Vo = 0x5B
	AddressSDA = 0x5C
	AddressSCL = 0x5D
)

// Register map (subset used by this driver).
const (
	regTouchStatusL = 0x00
	regFiltData0L   = 0x04
	regBaseline0    = 0x1E

	regMHDR = 0x2B
	regNHDR = 0x2C
	regNCLR = 0x2D
	regFDLR = 0x2E
	regMHDF = 0x2F
	regNHDF = 0x30
	regNCLF = 0x31
	regFDLF = 0x32
	regNHDT = 0x33
	regNCLT = 0x34
	regFDLT = 0x35

	regDebounce = 0x5B
	regConfig1  = 0x5C
	regConfig2  = 0x5D
	regECR      = 0x5E

	regChargeCurr0 = 0x5F // CDCx, one per electrode
	regChargeTime1 = 0x6C // CDTx, two electrodes per register

	regAutoConfig0 = 0x7B
	regUpLimit     = 0x7D
	regLowLimit    = 0x7E
	regTargetLimit = 0x7F

	regSoftReset = 0x80
)

const softResetMagic = 0x7F

// maxElectrodes is fixed by the part.
const maxElectrodes = 12
