// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package auditfilter

import "golang.org/x/sys/unix"

// errnoNames maps the POSIX errno values seen in failed exec syscalls to
// their symbolic names.
var errnoNames = map[int]string{
	int(unix.EPERM):        "EPERM",
	int(unix.ENOENT):       "ENOENT",
	int(unix.ESRCH):        "ESRCH",
	int(unix.EINTR):        "EINTR",
	int(unix.EIO):          "EIO",
	int(unix.ENXIO):        "ENXIO",
	int(unix.E2BIG):        "E2BIG",
	int(unix.ENOEXEC):      "ENOEXEC",
	int(unix.EBADF):        "EBADF",
	int(unix.ECHILD):       "ECHILD",
	int(unix.EAGAIN):       "EAGAIN",
	int(unix.ENOMEM):       "ENOMEM",
	int(unix.EACCES):       "EACCES",
	int(unix.EFAULT):       "EFAULT",
	int(unix.ENOTBLK):      "ENOTBLK",
	int(unix.EBUSY):        "EBUSY",
	int(unix.EEXIST):       "EEXIST",
	int(unix.EXDEV):        "EXDEV",
	int(unix.ENODEV):       "ENODEV",
	int(unix.ENOTDIR):      "ENOTDIR",
	int(unix.EISDIR):       "EISDIR",
	int(unix.EINVAL):       "EINVAL",
	int(unix.ENFILE):       "ENFILE",
	int(unix.EMFILE):       "EMFILE",
	int(unix.ENOTTY):       "ENOTTY",
	int(unix.ETXTBSY):      "ETXTBSY",
	int(unix.EFBIG):        "EFBIG",
	int(unix.ENOSPC):       "ENOSPC",
	int(unix.ESPIPE):       "ESPIPE",
	int(unix.EROFS):        "EROFS",
	int(unix.EMLINK):       "EMLINK",
	int(unix.EPIPE):        "EPIPE",
	int(unix.ENAMETOOLONG): "ENAMETOOLONG",
	int(unix.ELOOP):        "ELOOP",
}

// ErrnoName maps a failed syscall's negative exit code to a POSIX errno
// name, e.g. -2 to ENOENT. Unknown codes map to the empty string.
func ErrnoName(exit int) string {
	if exit >= 0 {
		return ""
	}
	return errnoNames[-exit]
}
