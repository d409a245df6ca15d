package store

import "os"

// chmodWorldReadWrite best-effort widens the database file's
// permissions so any user/node sharing the cluster filesystem can
// read and write it. Failure (e.g. a filesystem that ignores POSIX
// permission bits) is deliberately non-fatal.
func chmodWorldReadWrite(path string) error {
	_ = os.Chmod(path, 0o666)
	return nil
}
