package defs

// Protection bits for a region (spec §3 "Region"). Named Prot* to
// mirror the teacher's PTE_R/PTE_W/PTE_U naming without colliding with
// the real page-table-entry bits, which belong to the MMU backend.
type Prot uint

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Mapping flags (spec §3 "Region").
type MapFlags uint

const (
	MapPrivate MapFlags = 1 << iota
	MapOvercommit
	MapInherit
	MapStack
)

// AddrSpec selects how Map resolves the placement of a new region
// (spec §4.1).
type AddrSpec int

const (
	AddrAny AddrSpec = iota
	AddrExact
)

// FaultReason is why the MMU backend invoked the page-fault handler
// (spec §4.2).
type FaultReason int

const (
	FaultNotPresent FaultReason = iota
	FaultProtection
)

// AccessType is the kind of access that triggered a fault (spec §4.2).
type AccessType uint

const (
	AccessRead AccessType = 1 << iota
	AccessWrite
	AccessExec
)

// Signal mirrors the user-visible signal raised when a fault handler
// gives up on a user-mode access (spec §4.2).
type Signal int

const (
	SigNone Signal = iota
	SigSegvMapErr
	SigSegvAccErr
	SigBusAdrErr
)
