// Package checkpoint persists training state asynchronously: each save
// snapshots the model variables synchronously (so later steps can't leak
// into it) and writes the files in the background, keeping the training
// loop off the disk. WaitUntilFinished is the barrier that surfaces any
// background write failures before the process exits.
//
// On disk a checkpoint is a pair of files with a common base name: a JSON
// metadata file (model config, step, variable index) and a gzip-compressed
// binary file with the raw tensor data, concatenated in index order.
package checkpoint

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/llamatune/llamatune"
)

const (
	baseNamePrefix = "checkpoint-"
	jsonSuffix     = ".json"
	binSuffix      = ".bin"
)

// serializedVar indexes one tensor inside the binary file. Pos and Length
// refer to the uncompressed stream.
type serializedVar struct {
	Scope      string       `json:"scope"`
	Name       string       `json:"name"`
	Dimensions []int        `json:"dimensions"`
	DType      dtypes.DType `json:"dtype"`
	Pos        int          `json:"pos"`
	Length     int          `json:"length"`
}

// metadata is the JSON side of a checkpoint.
type metadata struct {
	Step        int64           `json:"step"`
	ModelConfig json.RawMessage `json:"model_config,omitempty"`
	Variables   []serializedVar `json:"variables"`
}

// Config configures a Manager. Use Build, then Done.
type Config struct {
	dir  string
	keep int
	err  error
}

// Build starts configuring a checkpoint Manager.
func Build() *Config {
	return &Config{keep: -1}
}

// Dir sets the directory checkpoints are written to. It is created if
// needed. Required.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	return c
}

// Keep sets how many checkpoints to retain; older ones are deleted after
// each successful save. Default is to keep all.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done builds the Manager.
func (c *Config) Done() (*Manager, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Wrap(llamatune.ErrConfiguration, "checkpoint directory not set")
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO, "creating checkpoint dir %s: %v", c.dir, err)
	}
	return &Manager{dir: c.dir, keep: c.keep}, nil
}

// Manager schedules asynchronous checkpoint writes. All methods are safe
// to call from the single training loop goroutine; the background writers
// never touch the context after Save returns.
type Manager struct {
	dir  string
	keep int

	pending sync.WaitGroup

	mu     sync.Mutex
	count  int
	failed []error
}

// Dir returns the directory checkpoints are persisted to.
func (m *Manager) Dir() string { return m.dir }

// snapshot is the host-side copy of the model taken at a step boundary.
type snapshot struct {
	baseName string
	meta     metadata
	values   []*tensors.Tensor // parallel to meta.Variables
}

// Save snapshots every variable of ctx plus the model config, then
// schedules the durable write and returns. The snapshot is a deep copy,
// so the training loop may keep updating the variables immediately.
// Write failures surface at WaitUntilFinished.
func (m *Manager) Save(ctx *context.Context, modelConfig any, step int64) error {
	snap := &snapshot{}
	snap.meta.Step = step
	if modelConfig != nil {
		raw, err := json.Marshal(modelConfig)
		if err != nil {
			return errors.Wrapf(llamatune.ErrExternalIO, "serializing model config: %v", err)
		}
		snap.meta.ModelConfig = raw
	}

	var err error
	pos := 0
	for v := range ctx.IterVariables() {
		var value, clone *tensors.Tensor
		value, err = v.Value()
		if err != nil {
			return errors.WithMessagef(err, "snapshotting variable %q", v.ScopeAndName())
		}
		clone, err = value.LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "snapshotting variable %q", v.ScopeAndName())
		}
		length := int(clone.Memory())
		snap.meta.Variables = append(snap.meta.Variables, serializedVar{
			Scope:      v.Scope(),
			Name:       v.Name(),
			Dimensions: clone.Shape().Dimensions,
			DType:      clone.DType(),
			Pos:        pos,
			Length:     length,
		})
		snap.values = append(snap.values, clone)
		pos += length
	}

	m.mu.Lock()
	m.count++
	snap.baseName = fmt.Sprintf("%sn%07d-%s-step-%08d",
		baseNamePrefix, m.count, time.Now().Format("20060102-150405"), step)
	m.mu.Unlock()

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if err := m.write(snap); err != nil {
			m.mu.Lock()
			m.failed = append(m.failed, err)
			m.mu.Unlock()
			klog.Errorf("Checkpoint %s failed: %+v", snap.baseName, err)
			return
		}
		if err := m.removeOldCheckpoints(); err != nil {
			klog.Warningf("Removing old checkpoints: %v", err)
		}
	}()
	return nil
}

// write persists one snapshot. Files are staged under temporary names and
// renamed into place, so a crash mid-write never leaves a checkpoint that
// looks loadable.
func (m *Manager) write(snap *snapshot) error {
	stage := uuid.NewString()
	binPath := filepath.Join(m.dir, snap.baseName+binSuffix)
	jsonPath := filepath.Join(m.dir, snap.baseName+jsonSuffix)
	binStage, jsonStage := binPath+"."+stage, jsonPath+"."+stage

	binFile, err := os.Create(binStage)
	if err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "creating checkpoint data file: %v", err)
	}
	zw := gzip.NewWriter(binFile)
	for i, value := range snap.values {
		var writeErr error
		err = value.ConstBytes(func(data []byte) {
			_, writeErr = zw.Write(data)
		})
		if err == nil {
			err = writeErr
		}
		if err != nil {
			_ = binFile.Close()
			return errors.Wrapf(llamatune.ErrExternalIO,
				"writing variable %s/%s: %v", snap.meta.Variables[i].Scope, snap.meta.Variables[i].Name, err)
		}
	}
	if err = zw.Close(); err == nil {
		err = binFile.Close()
	}
	if err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "closing checkpoint data file: %v", err)
	}

	jsonFile, err := os.Create(jsonStage)
	if err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "creating checkpoint metadata file: %v", err)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&snap.meta); err == nil {
		err = jsonFile.Close()
	}
	if err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "writing checkpoint metadata: %v", err)
	}

	// Data first: a metadata file only ever points at complete data.
	if err = os.Rename(binStage, binPath); err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "publishing checkpoint data: %v", err)
	}
	if err = os.Rename(jsonStage, jsonPath); err != nil {
		return errors.Wrapf(llamatune.ErrExternalIO, "publishing checkpoint metadata: %v", err)
	}
	klog.V(1).Infof("Checkpoint %s written (%d variables)", snap.baseName, len(snap.meta.Variables))
	return nil
}

// WaitUntilFinished blocks until every scheduled write has completed and
// returns the first failure, if any. Call once at shutdown, after the
// last Save.
func (m *Manager) WaitUntilFinished() error {
	m.pending.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failed) == 0 {
		return nil
	}
	err := m.failed[0]
	if n := len(m.failed); n > 1 {
		err = errors.WithMessagef(err, "(and %d more checkpoint failures)", n-1)
	}
	return err
}

// ListCheckpoints returns the base names of complete checkpoints in the
// directory, oldest first.
func (m *Manager) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.Wrapf(llamatune.ErrExternalIO, "listing %s: %v", m.dir, err)
	}
	var baseNames []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, baseNamePrefix) || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		base := strings.TrimSuffix(name, jsonSuffix)
		if _, err := os.Stat(filepath.Join(m.dir, base+binSuffix)); err != nil {
			continue // Data file missing, likely an interrupted write.
		}
		baseNames = append(baseNames, base)
	}
	sort.Strings(baseNames) // Sequence number and timestamp sort chronologically.
	return baseNames, nil
}

func (m *Manager) removeOldCheckpoints() error {
	if m.keep <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	baseNames, err := m.ListCheckpoints()
	if err != nil {
		return err
	}
	for len(baseNames) > m.keep {
		base := baseNames[0]
		baseNames = baseNames[1:]
		if err = os.Remove(filepath.Join(m.dir, base+jsonSuffix)); err != nil {
			return err
		}
		if err = os.Remove(filepath.Join(m.dir, base+binSuffix)); err != nil {
			return err
		}
	}
	return nil
}

// LoadLatest restores the newest complete checkpoint into ctx, creating
// or overwriting variables as needed. It returns the saved step and model
// config, or found=false when the directory holds no checkpoint.
func (m *Manager) LoadLatest(ctx *context.Context) (step int64, modelConfig json.RawMessage, found bool, err error) {
	if waitErr := m.WaitUntilFinished(); waitErr != nil {
		return 0, nil, false, waitErr
	}
	baseNames, err := m.ListCheckpoints()
	if err != nil || len(baseNames) == 0 {
		return 0, nil, false, err
	}
	base := baseNames[len(baseNames)-1]

	jsonData, err := os.ReadFile(filepath.Join(m.dir, base+jsonSuffix))
	if err != nil {
		return 0, nil, false, errors.Wrapf(llamatune.ErrExternalIO, "reading checkpoint %s: %v", base, err)
	}
	var meta metadata
	if err = json.Unmarshal(jsonData, &meta); err != nil {
		return 0, nil, false, errors.Wrapf(llamatune.ErrExternalIO, "parsing checkpoint %s: %v", base, err)
	}

	binFile, err := os.Open(filepath.Join(m.dir, base+binSuffix))
	if err != nil {
		return 0, nil, false, errors.Wrapf(llamatune.ErrExternalIO, "opening checkpoint data %s: %v", base, err)
	}
	defer binFile.Close()
	zr, err := gzip.NewReader(binFile)
	if err != nil {
		return 0, nil, false, errors.Wrapf(llamatune.ErrExternalIO, "decompressing checkpoint %s: %v", base, err)
	}
	defer zr.Close()

	for _, sv := range meta.Variables {
		t := tensors.FromShape(shapes.Make(sv.DType, sv.Dimensions...))
		var readErr error
		err = t.MutableBytes(func(data []byte) {
			if len(data) != sv.Length {
				readErr = errors.Wrapf(llamatune.ErrStructure,
					"variable %s/%s: checkpoint has %d bytes, shape needs %d",
					sv.Scope, sv.Name, sv.Length, len(data))
				return
			}
			if _, e := io.ReadFull(zr, data); e != nil {
				readErr = errors.Wrapf(llamatune.ErrExternalIO, "reading tensor data: %v", e)
			}
		})
		if err == nil {
			err = readErr
		}
		if err != nil {
			return 0, nil, false, errors.WithMessagef(err, "restoring variable %s/%s", sv.Scope, sv.Name)
		}
		if v := ctx.GetVariableByScopeAndName(sv.Scope, sv.Name); v != nil {
			if err = v.SetValue(t); err != nil {
				return 0, nil, false, err
			}
		} else {
			ctx.InAbsPath(sv.Scope).VariableWithValue(sv.Name, t)
		}
	}
	klog.Infof("Restored checkpoint %s (step %d, %d variables)", base, meta.Step, len(meta.Variables))
	return meta.Step, meta.ModelConfig, true, nil
}
