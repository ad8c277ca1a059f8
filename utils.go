package objstore

import "fmt"

// deltaLogDir is the directory holding transaction-log commit entries.
var deltaLogDir = NewPath("_delta_log")

// CommitURIFromVersion returns the canonical log-entry path for a commit
// version: the version zero-padded to 20 digits with a .json suffix,
// below the _delta_log directory.
//
//	CommitURIFromVersion(1) == NewPath("_delta_log/00000000000000000001.json")
func CommitURIFromVersion(version int64) Path {
	return deltaLogDir.Child(fmt.Sprintf("%020d.json", version))
}
