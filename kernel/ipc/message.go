package ipc

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem/vmm"
)

// NotifyMethod selects how Respond signals the sender that a reply is
// ready (spec 4.G respond path: "handle mark, signal, thread wake").
type NotifyMethod uint8

const (
	NotifyHandle NotifyMethod = iota
	NotifySignal
	NotifyThreadWake
)

// ResponseHeader is the per-packet header a sender prepends describing how
// and where it wants the reply delivered.
type ResponseHeader struct {
	Method       NotifyMethod
	NotifyHandle uuid.UUID
	DMAHandle    uuid.UUID
	DMAOffset    uint64
}

// BaseHeaderFlags is ORed into BaseHeader.Flags.
type BaseHeaderFlags uint32

// FlagAsync marks a send that does not wait for a Respond call (spec 4.G
// step 5: "If not ASYNC, wait on the response-notification handle").
const FlagAsync BaseHeaderFlags = 1 << 0

// BaseHeader identifies the call and how many typed parameters follow it.
type BaseHeader struct {
	Protocol uint32
	Action   uint32
	Flags    BaseHeaderFlags
	ParamIn  uint16
	ParamOut uint16
	Length   uint32
}

// ParamType discriminates a Param's payload.
type ParamType uint8

const (
	ParamValue ParamType = iota
	ParamBuffer
	ParamSHM
)

// SHMParam describes a parameter cloned by reference via vmm.Region.AttachTo
// rather than copied inline.
type SHMParam struct {
	Region *vmm.Region
	Offset uint64
	Length uint64
	Access vmm.Flag
}

// Param is one typed argument or return slot of a Message.
type Param struct {
	Type ParamType

	// Value holds a ParamValue's inlined scalar.
	Value uint64

	// Buffer holds a ParamBuffer's bytes, already copied out of the
	// sender's own memory (spec invariant: "the caller may reuse its
	// buffer on return").
	Buffer []byte

	// SHM holds a ParamSHM's region descriptor. Populated on the sender
	// side before Send, and on the recipient side after Send delivers it
	// (the same *Region, with Offset set to the address of the recipient's
	// freshly attached mapping).
	SHM SHMParam
}

// Message is the in-memory form of one IPC packet: response routing, the
// base header, and its typed parameters. Wire encode/decode happen at the
// stream-buffer boundary in Context.Send/Recv.
type Message struct {
	Response ResponseHeader
	Base     BaseHeader
	Params   []Param
}

// uuidSize is encoding/binary-friendly: uuid.UUID is a [16]byte array.
const uuidSize = 16

func putUUID(out []byte, id uuid.UUID) []byte { return append(out, id[:]...) }

func getUUID(in []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], in[:uuidSize])
	return id
}

// encodeMessage renders msg's response header, base header, and parameters
// as a single wire record (spec 6: "[response-header][base-header][param[]]
// [inline buffer bytes…]"), truncating a BUFFER parameter's bytes (and
// recording the truncated length in the wire record) if it would not fit in
// budget remaining bytes (spec 4.G step 3: "shorten silently").
func encodeMessage(msg *Message, budget int) ([]byte, error) {
	const fixedSize = 1 + 2*uuidSize + 8 + 4 + 4 + 4 + 2 + 2
	if budget < fixedSize {
		return nil, errors.New(errors.InvalidParam, "message budget too small for its headers")
	}

	out := make([]byte, 0, budget)
	out = append(out, byte(msg.Response.Method))
	out = putUUID(out, msg.Response.NotifyHandle)
	out = putUUID(out, msg.Response.DMAHandle)
	var dmaOff [8]byte
	binary.LittleEndian.PutUint64(dmaOff[:], msg.Response.DMAOffset)
	out = append(out, dmaOff[:]...)

	var base [12]byte
	binary.LittleEndian.PutUint32(base[0:4], msg.Base.Protocol)
	binary.LittleEndian.PutUint32(base[4:8], msg.Base.Action)
	binary.LittleEndian.PutUint32(base[8:12], uint32(msg.Base.Flags))
	out = append(out, base[:]...)
	var counts [4]byte
	binary.LittleEndian.PutUint16(counts[0:2], uint16(len(msg.Params)))
	binary.LittleEndian.PutUint16(counts[2:4], msg.Base.ParamOut)
	out = append(out, counts[:]...)

	for i := range msg.Params {
		p := &msg.Params[i]
		out = append(out, byte(p.Type))
		switch p.Type {
		case ParamValue:
			var v [8]byte
			binary.LittleEndian.PutUint64(v[:], p.Value)
			out = append(out, v[:]...)
		case ParamBuffer:
			remaining := budget - len(out) - 4
			if remaining < 0 {
				remaining = 0
			}
			fit := len(p.Buffer)
			if fit > remaining {
				fit = remaining
			}
			var n [4]byte
			binary.LittleEndian.PutUint32(n[:], uint32(fit))
			out = append(out, n[:]...)
			out = append(out, p.Buffer[:fit]...)
			if fit != len(p.Buffer) {
				p.Buffer = p.Buffer[:fit]
			}
		case ParamSHM:
			out = putUUID(out, p.SHM.Region.Handle)
			var v [24]byte
			binary.LittleEndian.PutUint64(v[0:8], p.SHM.Offset)
			binary.LittleEndian.PutUint64(v[8:16], p.SHM.Length)
			binary.LittleEndian.PutUint64(v[16:24], uint64(p.SHM.Access))
			out = append(out, v[:]...)
		}
	}

	msg.Base.Length = uint32(len(out))
	return out, nil
}

// decodeMessage is encodeMessage's inverse. SHM parameters are resolved back
// to a *vmm.Region via vmm.LookupRegion, standing in for the kernel
// resolving a wire region handle without needing a real cross-process copy.
func decodeMessage(wire []byte) (*Message, error) {
	const fixedSize = 1 + 2*uuidSize + 8 + 4 + 4 + 4 + 2 + 2
	if len(wire) < fixedSize {
		return nil, errors.New(errors.InvalidParam, "ipc packet shorter than its fixed headers")
	}

	msg := &Message{}
	off := 0
	msg.Response.Method = NotifyMethod(wire[off])
	off++
	msg.Response.NotifyHandle = getUUID(wire[off:])
	off += uuidSize
	msg.Response.DMAHandle = getUUID(wire[off:])
	off += uuidSize
	msg.Response.DMAOffset = binary.LittleEndian.Uint64(wire[off:])
	off += 8

	msg.Base.Protocol = binary.LittleEndian.Uint32(wire[off:])
	off += 4
	msg.Base.Action = binary.LittleEndian.Uint32(wire[off:])
	off += 4
	msg.Base.Flags = BaseHeaderFlags(binary.LittleEndian.Uint32(wire[off:]))
	off += 4
	paramIn := binary.LittleEndian.Uint16(wire[off:])
	off += 2
	msg.Base.ParamOut = binary.LittleEndian.Uint16(wire[off:])
	off += 2
	msg.Base.ParamIn = paramIn

	msg.Params = make([]Param, 0, paramIn)
	for i := 0; i < int(paramIn); i++ {
		if off >= len(wire) {
			return nil, errors.New(errors.InvalidParam, "ipc packet truncated mid-parameter")
		}
		pt := ParamType(wire[off])
		off++
		var p Param
		p.Type = pt
		switch pt {
		case ParamValue:
			p.Value = binary.LittleEndian.Uint64(wire[off:])
			off += 8
		case ParamBuffer:
			n := int(binary.LittleEndian.Uint32(wire[off:]))
			off += 4
			p.Buffer = append([]byte(nil), wire[off:off+n]...)
			off += n
		case ParamSHM:
			handle := getUUID(wire[off:])
			off += uuidSize
			p.SHM.Offset = binary.LittleEndian.Uint64(wire[off:])
			p.SHM.Length = binary.LittleEndian.Uint64(wire[off+8:])
			p.SHM.Access = vmm.Flag(binary.LittleEndian.Uint64(wire[off+16:]))
			off += 24
			if region, ok := vmm.LookupRegion(handle); ok {
				p.SHM.Region = region
			}
		default:
			return nil, errors.New(errors.InvalidParam, "unknown ipc parameter type %d", pt)
		}
		msg.Params = append(msg.Params, p)
	}
	return msg, nil
}
