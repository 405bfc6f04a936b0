package constants

import "time"

// Default configuration constants
const (
	// DefaultRingDepth is the default descriptor ring size (must be a power of two)
	DefaultRingDepth = 512

	// SlotsPerDescriptor is the work queue slot count per descriptor ring entry.
	// The work queue is sized to DefaultRingDepth*SlotsPerDescriptor slots.
	SlotsPerDescriptor = 8

	// DefaultPrivDataLen is the default per-request private data capacity in bytes
	DefaultPrivDataLen = 0

	// DefaultQueueID is the queue index used when none is configured
	DefaultQueueID = 0
)

// Descriptor limits
const (
	// DescBlenBits is the width of the memory-mapped descriptor length field
	DescBlenBits = 28

	// DescBlenMax is the largest byte count a memory-mapped descriptor can carry
	DescBlenMax = (1 << DescBlenBits) - 1

	// STH2CAlignMask is the alignment mask for non-final streaming H2C chunks (64B)
	STH2CAlignMask = 0x3f

	// PidxUpdateMask controls how often a long streaming H2C batch kicks the producer index
	PidxUpdateMask = 0x7
)

// Timing constants for the simulated device
const (
	// SimServiceInterval is the idle poll interval of the simulated device service loop
	SimServiceInterval = 5 * time.Millisecond

	// SimBatchSize is the maximum number of descriptors processed per service pass
	SimBatchSize = 64
)
