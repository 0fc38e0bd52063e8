package sft

// Dataset is the data source the trainer loop pulls batches from.
//
// Yield returns the next fixed-shape batch, or io.EOF once the epoch is
// exhausted; any other error is fatal for the run. Reset rewinds the
// source so the next Yield starts a new epoch.
type Dataset interface {
	// Name identifies the dataset in logs.
	Name() string

	// Yield returns the next batch or io.EOF at the end of the epoch.
	Yield() (*RawBatch, error)

	// Reset restarts the dataset for a new epoch.
	Reset() error
}
