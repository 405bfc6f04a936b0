package qdma

import (
	"github.com/ehrlich-b/go-qdma/internal/descq"
	"github.com/ehrlich-b/go-qdma/internal/interfaces"
	"github.com/ehrlich-b/go-qdma/internal/sg"
	"github.com/ehrlich-b/go-qdma/internal/wq"
)

// Memory is a DMA-addressable region used as host or card memory by the
// simulated ring
type Memory = interfaces.Backend

// Device is a descriptor ring a queue can drive
type Device = descq.Device

// Logger is the optional logging interface for queue lifecycle and
// data-path diagnostics
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Engine types re-exported for callers
type (
	Request   = wq.Request
	Segment   = sg.Segment
	Event     = wq.Event
	Fragment  = wq.Fragment
	Callback  = wq.Callback
	Future    = wq.Future
	Token     = wq.Token
	Stats     = wq.Stats
	Status    = wq.Status
	SlotState = wq.State
	Mode      = descq.Mode
	Dir       = descq.Dir
)

const (
	StatusSuccess  = wq.StatusSuccess
	StatusError    = wq.StatusError
	StatusCanceled = wq.StatusCanceled

	ModeMM = descq.ModeMM
	ModeST = descq.ModeST

	DirH2C = descq.DirH2C
	DirC2H = descq.DirC2H
)
