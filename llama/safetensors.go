package llama

import (
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/llamatune/llamatune"
)

// Safetensors layout: 8 bytes little-endian header length, a JSON header
// mapping tensor names to dtype/shape/data_offsets, then the raw tensor
// data with offsets relative to the end of the header.

type safetensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

var safetensorDTypes = map[string]dtypes.DType{
	"F64":  dtypes.Float64,
	"F32":  dtypes.Float32,
	"F16":  dtypes.Float16,
	"BF16": dtypes.BFloat16,
	"I64":  dtypes.Int64,
	"I32":  dtypes.Int32,
	"I8":   dtypes.Int8,
	"U8":   dtypes.Uint8,
	"BOOL": dtypes.Bool,
}

// dtypeToSafetensor is the reverse of safetensorDTypes.
func dtypeToSafetensor(dtype dtypes.DType) (string, bool) {
	for name, dt := range safetensorDTypes {
		if dt == dtype {
			return name, true
		}
	}
	return "", false
}

// readSafetensors streams every tensor of a safetensors file into visit,
// in no particular order. The tensor handed to visit is freshly allocated
// and owned by the callback.
func readSafetensors(path string, visit func(name string, t *tensors.Tensor) error) error {
	fileData, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "reading weights %s: %v", path, err)
	}
	if len(fileData) < 8 {
		return errors.Wrapf(llamatune.ErrExternalIO, "weights file %s too small", path)
	}
	headerSize := int64(binary.LittleEndian.Uint64(fileData[:8]))
	if int64(len(fileData)) < 8+headerSize {
		return errors.Wrapf(llamatune.ErrExternalIO, "weights file %s truncated header", path)
	}
	var header map[string]json.RawMessage
	if err = json.Unmarshal(fileData[8:8+headerSize], &header); err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "parsing weights header of %s: %v", path, err)
	}
	data := fileData[8+headerSize:]

	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var info safetensorInfo
		if err = json.Unmarshal(raw, &info); err != nil {
			return errors.Wrapf(llamatune.ErrExternalIO, "parsing header entry %q of %s: %v", name, path, err)
		}
		dtype, ok := safetensorDTypes[info.DType]
		if !ok {
			return errors.Wrapf(llamatune.ErrExternalIO, "tensor %q of %s has unsupported dtype %q",
				name, path, info.DType)
		}
		shape := shapes.Make(dtype, info.Shape...)
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return errors.Wrapf(llamatune.ErrExternalIO, "tensor %q of %s has offsets outside the file",
				name, path)
		}
		if end-start != int64(shape.Memory()) {
			return errors.Wrapf(llamatune.ErrExternalIO,
				"tensor %q of %s has %d bytes, shape %s needs %d", name, path, end-start, shape, shape.Memory())
		}
		t := tensors.FromShape(shape)
		if err = t.MutableBytes(func(dst []byte) { copy(dst, data[start:end]) }); err != nil {
			return err
		}
		if err = visit(name, t); err != nil {
			return err
		}
	}
	return nil
}

// safetensorEntry pairs a tensor with its exported name.
type safetensorEntry struct {
	Name   string
	Tensor *tensors.Tensor
}

// writeSafetensors serializes the entries, in order, to a safetensors file.
func writeSafetensors(path string, entries []safetensorEntry) error {
	header := make(map[string]safetensorInfo, len(entries))
	var offset int64
	for _, entry := range entries {
		shape := entry.Tensor.Shape()
		stDType, ok := dtypeToSafetensor(shape.DType)
		if !ok {
			return errors.Wrapf(llamatune.ErrExternalIO,
				"tensor %q has dtype %s with no safetensors encoding", entry.Name, shape.DType)
		}
		size := int64(shape.Memory())
		header[entry.Name] = safetensorInfo{
			DType:       stDType,
			Shape:       shape.Dimensions,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "serializing weights header: %v", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "creating weights file %s: %v", path, err)
	}
	defer f.Close()

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(headerBytes)))
	if _, err = f.Write(sizeBuf[:]); err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "writing weights file %s: %v", path, err)
	}
	if _, err = f.Write(headerBytes); err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "writing weights file %s: %v", path, err)
	}
	for _, entry := range entries {
		var writeErr error
		err = entry.Tensor.ConstBytes(func(data []byte) {
			_, writeErr = f.Write(data)
		})
		if err == nil {
			err = writeErr
		}
		if err != nil {
			return errors.Wrapf(llamatune.ErrExternalIO,
				"writing tensor %q to %s: %v", entry.Name, path, err)
		}
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "closing weights file %s: %v", path, err)
	}
	return nil
}

// transpose2D returns a [rows, cols] tensor flipped to [cols, rows],
// moving raw elements so it works for any fixed-size dtype.
func transpose2D(t *tensors.Tensor) (*tensors.Tensor, error) {
	shape := t.Shape()
	if shape.Rank() != 2 {
		return nil, errors.Wrapf(llamatune.ErrShape, "transpose needs a rank-2 tensor, got %s", shape)
	}
	rows, cols := shape.Dim(0), shape.Dim(1)
	elemSize := shape.DType.Size()
	out := tensors.FromShape(shapes.Make(shape.DType, cols, rows))
	err := t.ConstBytes(func(src []byte) {
		_ = out.MutableBytes(func(dst []byte) {
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					copy(dst[(j*rows+i)*elemSize:(j*rows+i+1)*elemSize],
						src[(i*cols+j)*elemSize:(i*cols+j+1)*elemSize])
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
