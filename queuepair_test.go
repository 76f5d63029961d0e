package nvme

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driverkit/go-nvme/internal/wire"
)

// qpHarness brings up a controller with one I/O queue pair against the
// software device model.
type qpHarness struct {
	soft *SoftController
	ctrl *Controller
	ns   *Namespace
	qp   *QueuePair
}

func newQPHarness(t *testing.T, cfg *SoftConfig, depth int) *qpHarness {
	t.Helper()

	soft := NewSoftController(cfg)
	ctrl, err := Init(soft.Base(), soft.Allocator(), nil)
	require.NoError(t, err)

	namespaces, err := ctrl.IdentifyNamespaces(0)
	require.NoError(t, err)
	qp, err := ctrl.CreateIOQueuePair(namespaces[0], depth)
	require.NoError(t, err)

	h := &qpHarness{soft: soft, ctrl: ctrl, ns: namespaces[0], qp: qp}
	t.Cleanup(func() {
		ctrl.Close()
		soft.Close()
	})
	return h
}

func (h *qpHarness) buffer(t *testing.T, size int) (uintptr, []byte) {
	t.Helper()
	addr := h.soft.Allocator().Allocate(size)
	t.Cleanup(func() { h.soft.Allocator().Deallocate(addr) })
	return addr, unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func TestReadWriteRoundTrip(t *testing.T) {
	h := newQPHarness(t, nil, 64)

	const length = 3 * 512
	waddr, wbuf := h.buffer(t, length)
	raddr, rbuf := h.buffer(t, length)

	for i := range wbuf {
		wbuf[i] = byte(i * 7)
	}

	require.NoError(t, h.qp.Write(waddr, length, 10))
	require.NoError(t, h.qp.Read(raddr, length, 10))
	assert.True(t, bytes.Equal(wbuf, rbuf))

	// The data actually landed on the disk at the right offset.
	assert.True(t, bytes.Equal(wbuf, h.soft.Disk()[10*512:10*512+length]))
}

func TestReadWriteMultiPage(t *testing.T) {
	h := newQPHarness(t, nil, 64)

	// 24 pages: PRP1 plus a chained descriptor list.
	const length = 24 * 4096
	waddr, wbuf := h.buffer(t, length)
	raddr, rbuf := h.buffer(t, length)

	for i := range wbuf {
		wbuf[i] = byte(i % 251)
	}

	require.NoError(t, h.qp.Write(waddr, length, 0))
	require.NoError(t, h.qp.Read(raddr, length, 0))
	assert.True(t, bytes.Equal(wbuf, rbuf))
}

func TestInvalidBufferSize(t *testing.T) {
	h := newQPHarness(t, nil, 64)
	addr, _ := h.buffer(t, 4096)

	err := h.qp.Write(addr, 100, 0)
	assert.True(t, IsCode(err, ErrCodeInvalidBufferSize))

	err = h.qp.Read(addr, 0, 0)
	assert.True(t, IsCode(err, ErrCodeInvalidBufferSize))
}

func TestInvalidAlignment(t *testing.T) {
	h := newQPHarness(t, nil, 64)
	addr, _ := h.buffer(t, 4*4096)

	// Dword misalignment.
	err := h.qp.Read(addr+2, 512, 0)
	assert.True(t, IsCode(err, ErrCodeInvalidAlignment))

	// Multi-page transfers must start page aligned.
	err = h.qp.Read(addr+512, 2*4096, 0)
	assert.True(t, IsCode(err, ErrCodeInvalidAlignment))
}

func TestRangeValidation(t *testing.T) {
	h := newQPHarness(t, &SoftConfig{Blocks: 128}, 16)
	addr, _ := h.buffer(t, 4096)

	// [126, 134) crosses the 128-block capacity.
	err := h.qp.Write(addr, 4096, 126)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	// The last valid window still works.
	assert.NoError(t, h.qp.Write(addr, 4096, 120))
}

func TestTransferTooLarge(t *testing.T) {
	h := newQPHarness(t, &SoftConfig{MDTS: 1}, 16)

	// MDTS 1 caps a command at two pages.
	addr, _ := h.buffer(t, 4*4096)
	err := h.qp.Write(addr, 4*4096, 0)
	assert.True(t, IsCode(err, ErrCodeTransferTooLarge))

	assert.NoError(t, h.qp.Write(addr, 2*4096, 0))
}

func TestCommandFailedStatus(t *testing.T) {
	h := newQPHarness(t, nil, 16)
	addr, _ := h.buffer(t, 512)

	h.soft.FailNext(wire.IOWrite, wire.StatusTypeMediaError, 0x02)
	err := h.qp.Write(addr, 512, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCommandFailed))
	assert.Equal(t, uint16(0x202), StatusOf(err))

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StatusCategoryMedia, de.Category())

	// The failure is scoped to that command; the queue pair stays usable.
	assert.NoError(t, h.qp.Write(addr, 512, 0))
}

func TestFlush(t *testing.T) {
	h := newQPHarness(t, nil, 16)
	require.NoError(t, h.qp.Flush())

	h.soft.FailNext(wire.IOFlush, wire.StatusTypeGeneric, wire.StatusInternalError)
	err := h.qp.Flush()
	assert.True(t, IsCode(err, ErrCodeCommandFailed))
}

func TestSustainedTrafficWrapsRings(t *testing.T) {
	// Depth 8 with far more commands than slots: exercises tail/head
	// wraparound and phase-tag flips on both rings.
	h := newQPHarness(t, nil, 8)
	addr, buf := h.buffer(t, 512)

	for i := 0; i < 64; i++ {
		buf[0] = byte(i)
		require.NoError(t, h.qp.Write(addr, 512, uint64(i%16)))
		require.NoError(t, h.qp.Read(addr, 512, uint64(i%16)))
		require.Equal(t, byte(i), buf[0])
	}
	assert.Equal(t, 0, h.qp.Outstanding())
}

func TestMetricsRecorded(t *testing.T) {
	h := newQPHarness(t, nil, 16)
	addr, _ := h.buffer(t, 1024)

	require.NoError(t, h.qp.Write(addr, 1024, 0))
	require.NoError(t, h.qp.Read(addr, 1024, 0))
	_ = h.qp.Read(addr, 100, 0) // invalid size, counted as a failed read

	snap := h.ctrl.Metrics().Snapshot()
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(2), snap.ReadOps)
	assert.Equal(t, uint64(1024), snap.WriteBytes)
	assert.Equal(t, uint64(1024), snap.ReadBytes)
	assert.Equal(t, uint64(1), snap.ReadErrors)
	assert.NotZero(t, snap.AdminOps)
}
