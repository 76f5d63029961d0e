package unit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nvme "github.com/driverkit/go-nvme"
	"github.com/driverkit/go-nvme/dma"
)

// These tests exercise the public surface the way an embedding environment
// would, without reaching into internals.

func TestAllocatorCapability(t *testing.T) {
	// The driver consumes exactly this three-operation capability.
	var alloc dma.Allocator = dma.NewHeapAllocator()

	addr := alloc.Allocate(8192)
	require.NotZero(t, addr)
	assert.Zero(t, addr&0xFFF, "allocations must be page aligned")
	assert.Equal(t, addr, alloc.Translate(addr), "heap allocator translation is the identity")
	alloc.Deallocate(addr)
}

func TestErrorTaxonomyIsClosed(t *testing.T) {
	// Callers branch on kind via errors.Is against the exported sentinels.
	err := nvme.NewError("INIT", nvme.ErrCodeInitTimeout, "ready bit stuck")
	assert.True(t, errors.Is(err, nvme.ErrInitTimeout))
	assert.False(t, errors.Is(err, nvme.ErrControllerFatal))

	var de *nvme.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, nvme.ErrCodeInitTimeout, de.Code)
}

func TestControllerLifecycleSmoke(t *testing.T) {
	soft := nvme.NewSoftController(nil)
	defer soft.Close()

	ctrl, err := nvme.Init(soft.Base(), soft.Allocator(), &nvme.Options{IOQueues: 2})
	require.NoError(t, err)

	info := ctrl.Info()
	assert.NotEmpty(t, info.ModelNumber)
	assert.NotEmpty(t, info.SerialNumber)

	namespaces, err := ctrl.IdentifyNamespaces(0)
	require.NoError(t, err)
	require.Len(t, namespaces, 1)
	assert.GreaterOrEqual(t, namespaces[0].BlockSize, uint32(nvme.MinBlockSize))

	require.NoError(t, ctrl.Close())
}

func TestNamespaceGeometry(t *testing.T) {
	soft := nvme.NewSoftController(&nvme.SoftConfig{BlockSize: 4096, Blocks: 1000})
	defer soft.Close()

	ctrl, err := nvme.Init(soft.Base(), soft.Allocator(), nil)
	require.NoError(t, err)
	defer ctrl.Close()

	namespaces, err := ctrl.IdentifyNamespaces(0)
	require.NoError(t, err)

	ns := namespaces[0]
	assert.Equal(t, uint64(1000)*4096, ns.Size())
	// Block size is always a power of two of at least 512.
	assert.Zero(t, ns.BlockSize&(ns.BlockSize-1))
	assert.GreaterOrEqual(t, ns.BlockSize, uint32(512))
}
