// Package serialization implements the on-disk tensor formats used by
// savepoint checkpoints and saved models.
//
// Three layouts are supported:
//
//	.born (v2, single file):
//	  [64 bytes: fixed header "BORN", version, flags, header size, data size, SHA-256]
//	  [Header: JSON metadata]
//	  [Tensor data: raw little-endian bytes, 64-byte aligned]
//
//	SafeTensors:
//	  [8 bytes: header size (uint64 LE)]
//	  [Header: JSON, tensor name -> dtype/shape/data_offsets]
//	  [Tensor data]
//
//	Bundle (sharded, used for weights checkpoints and variables/):
//	  <prefix>.index                    JSON index, written last
//	  <prefix>.data-00000-of-00002      SafeTensors-layout shard
//	  <prefix>.data-00001-of-00002      SafeTensors-layout shard
//
// Every reader validates tensor names and offsets before touching data, and
// checksummed layouts (.born v2, bundles) reject corrupted files with
// ErrChecksumMismatch.
//
// Example usage:
//
//	// Save a state dict as a two-shard bundle
//	index, err := serialization.WriteBundle("ckpt/weights", model.StateDict(), serialization.BundleOptions{
//	    MaxShardBytes: 1 << 20,
//	})
//
//	// Load it back
//	stateDict, index, err := serialization.ReadBundle("ckpt/weights")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = model.LoadStateDict(stateDict)
package serialization
