package qdma

import "github.com/ehrlich-b/go-qdma/internal/constants"

// Re-export constants for public API
const (
	DefaultRingDepth   = constants.DefaultRingDepth
	SlotsPerDescriptor = constants.SlotsPerDescriptor
	DefaultPrivDataLen = constants.DefaultPrivDataLen
	DescBlenMax        = constants.DescBlenMax
	STH2CAlignMask     = constants.STH2CAlignMask
)
