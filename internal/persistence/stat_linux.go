//go:build linux

package persistence

import (
	"time"

	"golang.org/x/sys/unix"
)

// statTimes reads access and birth times with statx(2). Either is nil when
// the filesystem does not record it.
func statTimes(path string) *entryTimes {
	var stx unix.Statx_t
	mask := unix.STATX_ATIME | unix.STATX_BTIME
	if err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, mask, &stx); err != nil {
		return nil
	}

	var times entryTimes
	if stx.Mask&unix.STATX_ATIME != 0 {
		t := time.Unix(stx.Atime.Sec, int64(stx.Atime.Nsec)).UTC()
		times.accessed = &t
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		t := time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)).UTC()
		times.created = &t
	}
	return &times
}
