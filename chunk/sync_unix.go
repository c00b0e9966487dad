//go:build linux || darwin

package chunk

import (
	"golang.org/x/sys/unix"
)

func msync(region []byte, kind SyncKind) error {
	if len(region) == 0 {
		return nil
	}
	flags := unix.MS_ASYNC
	if kind == SyncSync {
		flags = unix.MS_SYNC
	}
	return unix.Msync(region, flags)
}

func advise(region []byte, adv Advice) error {
	if len(region) == 0 {
		return nil
	}
	var a int
	switch adv {
	case AdviseWillNeed:
		a = unix.MADV_WILLNEED
	case AdviseDontNeed:
		a = unix.MADV_DONTNEED
	case AdviseNormal:
		a = unix.MADV_NORMAL
	default:
		return nil
	}
	return unix.Madvise(region, a)
}
