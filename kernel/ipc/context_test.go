package ipc

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem/pmm"
	"github.com/valikernel/core/kernel/mem/vmm"
)

type fakeAllocator struct {
	mu   sync.Mutex
	next pmm.Frame
}

func (a *fakeAllocator) alloc(mask pmm.AllocMask, count uint64) (pmm.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.next
	a.next += pmm.Frame(count)
	return f, nil
}

func (a *fakeAllocator) free(start pmm.Frame, count uint64) {}

func newTestSpace(t *testing.T) *vmm.AddressSpace {
	t.Helper()
	vmm.ResetKernelSpaceForTest()
	t.Cleanup(vmm.ResetKernelSpaceForTest)

	alloc := &fakeAllocator{next: 1}
	space, err := vmm.Create(vmm.KindApplication, nil, vmm.NewSimulatedArch(), alloc.alloc, alloc.free)
	require.NoError(t, err)
	return space
}

// TestValueAndBufferRoundTrip is part of end-to-end scenario 5: a simple
// synchronous call with one VALUE and one BUFFER parameter, replied to
// before the sender's deadline.
func TestValueAndBufferRoundTrip(t *testing.T) {
	clientSpace, serverSpace := newTestSpace(t), newTestSpace(t)
	reg := NewRegistry()
	client := reg.Create(uuid.New(), clientSpace, 4096)
	server := reg.Create(uuid.New(), serverSpace, 4096)

	serverDone := make(chan error, 1)
	go func() {
		msg, err := server.Recv(time.Time{})
		if err != nil {
			serverDone <- err
			return
		}
		if msg.Base.Action != 42 || msg.Params[0].Value != 7 || string(msg.Params[1].Buffer) != "ping" {
			serverDone <- errors.New(errors.InvalidParam, "unexpected request contents")
			return
		}
		serverDone <- Respond(reg, msg, []Param{{Type: ParamValue, Value: 99}})
	}()

	reply, err := client.Send(reg, server.Handle, &Message{
		Base: BaseHeader{Action: 42},
		Params: []Param{
			{Type: ParamValue, Value: 7},
			{Type: ParamBuffer, Buffer: []byte("ping")},
		},
	}, time.Now().Add(time.Second))

	require.NoError(t, err)
	require.NoError(t, <-serverDone)
	require.Len(t, reply.Params, 1)
	require.EqualValues(t, 99, reply.Params[0].Value)
}

// TestSHMParameterAttachesIntoRecipientSpace is end-to-end scenario 5's SHM
// leg: the sender's region is visible read-only in the recipient's address
// space after Send, and CleanupMessage releases that attachment.
func TestSHMParameterAttachesIntoRecipientSpace(t *testing.T) {
	clientSpace, serverSpace := newTestSpace(t), newTestSpace(t)
	reg := NewRegistry()
	client := reg.Create(uuid.New(), clientSpace, 4096)
	server := reg.Create(uuid.New(), serverSpace, 4096)

	region := vmm.NewRegion([]pmm.Frame{50, 51}, vmm.FlagUserspace|vmm.FlagReadOnly, func(pmm.Frame, uint64) {})
	require.EqualValues(t, 1, region.RefCount())

	received := make(chan *Message, 1)
	go func() {
		msg, err := server.Recv(time.Time{})
		require.NoError(t, err)
		received <- msg
	}()

	_, err := client.Send(reg, server.Handle, &Message{
		Base:  BaseHeader{Action: 1, Flags: FlagAsync},
		Params: []Param{{Type: ParamSHM, SHM: SHMParam{Region: region, Length: uint64(region.Size())}}},
	}, time.Time{})
	require.NoError(t, err)

	msg := <-received
	require.Len(t, msg.Params, 1)
	require.Same(t, region, msg.Params[0].SHM.Region)
	require.EqualValues(t, 2, region.RefCount(), "attach must add exactly one reference for the recipient")

	desc, err := serverSpace.Query(vmm.PageFromAddress(uintptr(msg.Params[0].SHM.Offset)))
	require.NoError(t, err)
	require.True(t, desc.Flags.Has(vmm.FlagReadOnly))

	CleanupMessage(msg)
	require.EqualValues(t, 1, region.RefCount(), "cleanup must drop the recipient's attachment")
}

func TestSendToUnknownDestinationIsNotFound(t *testing.T) {
	clientSpace := newTestSpace(t)
	reg := NewRegistry()
	client := reg.Create(uuid.New(), clientSpace, 4096)

	_, err := client.Send(reg, uuid.New(), &Message{Base: BaseHeader{Action: 1}}, time.Time{})
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.NotFound))
}

func TestAsyncSendNeverBlocksOnReply(t *testing.T) {
	clientSpace, serverSpace := newTestSpace(t), newTestSpace(t)
	reg := NewRegistry()
	client := reg.Create(uuid.New(), clientSpace, 4096)
	server := reg.Create(uuid.New(), serverSpace, 4096)

	reply, err := client.Send(reg, server.Handle, &Message{Base: BaseHeader{Action: 3, Flags: FlagAsync}}, time.Time{})
	require.NoError(t, err)
	require.Nil(t, reply)

	msg, err := server.Recv(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 3, msg.Base.Action)
}

func TestSendTimesOutWaitingForRespond(t *testing.T) {
	clientSpace, serverSpace := newTestSpace(t), newTestSpace(t)
	reg := NewRegistry()
	client := reg.Create(uuid.New(), clientSpace, 4096)
	server := reg.Create(uuid.New(), serverSpace, 4096)

	_, err := client.Send(reg, server.Handle, &Message{Base: BaseHeader{Action: 5}}, time.Now().Add(20*time.Millisecond))
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.Timeout))

	_, err = server.Recv(time.Time{})
	require.NoError(t, err)
}
