// Package store keeps ephemeral copies of relayed messages on disk.
//
// Each record is one JSON file named after its id in a flat directory:
//
//	storageDir/
//	├── 1b4e28ba-2fa1-41d2-883f-0016d3cca427.json
//	├── 6fa459ea-ee8a-4ca4-894e-db77e160355e.json
//	└── .record-123456.tmp   # in-flight write, never visible as a record
//
// Records are written to a dot-prefixed temp file, synced, and renamed into
// place, so readers only ever see complete records. A record is never
// modified after the rename; it is removed by the age phase of a sweep once
// it is older than the retention window, or by the capacity phase, oldest
// modification time first, while the directory exceeds its byte budget.
//
// Every Store call runs a sweep before writing. Because eviction happens
// before the new record lands, the directory may exceed the budget by up to
// one message until the next sweep.
package store
