//go:build !linux && !darwin

package chunk

import "github.com/edsrzf/mmap-go"

// msync on platforms without a raw msync syscall wrapper always blocks; there's
// no portable async flush in mmap-go.
func msync(region []byte, kind SyncKind) error {
	return mmap.MMap(region).Flush()
}

func advise(region []byte, adv Advice) error {
	// No portable madvise; incore look-ahead is a Linux/Darwin optimization only.
	return nil
}
