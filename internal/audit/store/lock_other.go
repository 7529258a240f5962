//go:build !unix && !windows

package store

import "os"

// No advisory locking on this platform; a single writer is assumed.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}
