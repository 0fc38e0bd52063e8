// Package mesh builds the logical device mesh a fine-tuning run shards
// over. The mesh always has the three axes ("batch", "fsdp", "mp"), so
// sharding specs written against the axis names work unchanged from a
// single device up to a full 8-device host.
package mesh

import (
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/pkg/errors"

	"github.com/llamatune/llamatune"
)

// Axis names, in mesh order.
const (
	AxisBatch = "batch"
	AxisFSDP  = "fsdp"
	AxisMP    = "mp"
)

// shapeForDevices maps a supported accelerator count to its mesh shape
// (batch, fsdp, mp). Counts outside this table are rejected.
var shapeForDevices = map[int][3]int{
	1: {1, 1, 1},
	4: {1, 2, 2},
	8: {2, 2, 2},
}

// ForDeviceCount returns the device mesh for numDevices accelerators.
// Only 1, 4 and 8 devices are supported; anything else returns an error
// wrapping llamatune.ErrConfiguration.
func ForDeviceCount(numDevices int) (*distributed.DeviceMesh, error) {
	shape, ok := shapeForDevices[numDevices]
	if !ok {
		return nil, errors.Wrapf(llamatune.ErrConfiguration,
			"no mesh shape for %d device(s), supported counts are 1, 4 and 8", numDevices)
	}
	m, err := distributed.NewDeviceMesh(shape[:], []string{AxisBatch, AxisFSDP, AxisMP})
	if err != nil {
		return nil, errors.WithMessagef(err, "building %dx%dx%d mesh", shape[0], shape[1], shape[2])
	}
	m.SetName("llamatune")
	return m, nil
}

// BatchShardingSpec is the spec for per-example tensors: split the
// leading axis over "batch" and replicate the remaining rank-1 axes.
// Used to configure an Exec for auto-sharded execution.
func BatchShardingSpec(m *distributed.DeviceMesh, rank int) (*distributed.ShardingSpec, error) {
	b := distributed.BuildSpec(m).S(AxisBatch)
	for i := 1; i < rank; i++ {
		b = b.R()
	}
	return b.Done()
}

// ReplicatedSpec is the mesh-bound fully-replicated sharding spec.
func ReplicatedSpec(m *distributed.DeviceMesh) *distributed.ShardingSpec {
	return distributed.NewReplicatedShardingSpec(m)
}
