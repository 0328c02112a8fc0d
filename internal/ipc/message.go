// Package ipc implements the port-based bidirectional IPC channel of
// spec.md §3 "IPC port"/"IPC connection"/"Message" and §4.8: port
// registration, the connect/listen/loopback handshake, FIFO message
// queues with half-close, and atomic send/receive.
//
// Grounded on biscuit/src/hashtable (Hashtable_t's bucket-locked
// registry pattern, here a plain map keyed by the typed PortID instead
// of interface{} keys, see SPEC_FULL.md §4.8) for the port registry, and
// on the teacher's semaphore-gated queue idiom used throughout
// biscuit/src/proc for bounded producer/consumer queues.
package ipc

import "github.com/aejsmith/kiwi/internal/defs"

// MessageMax is the largest payload a single message may carry (spec
// §3 "Message": "byte size (≤ IPC_MESSAGE_MAX)").
const MessageMax = 4096

// QueueMax is the number of messages an endpoint's queue holds before
// senders block (spec §4.8: "Queue depth is capped by IPC_QUEUE_MAX
// units of space_sem per endpoint").
const QueueMax = 32

// MaxPorts bounds the port id pool (spec §4.8 "port_create").
const MaxPorts = 65535

// Message is one queued IPC message (spec §3 "Message").
type Message struct {
	Type int32
	Data []byte
}

func validateSize(n int) defs.Err_t {
	if n > MessageMax {
		return defs.INVALID_ARG
	}
	return defs.SUCCESS
}
