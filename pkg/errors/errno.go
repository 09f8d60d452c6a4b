// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import "golang.org/x/sys/unix"

// Errno is the user-visible failure code returned across the syscall
// boundary. Kernel-internal code never panics on these; it returns them
// (or wraps them with context via fmt.Errorf("%w", ...)) and lets the
// caller decide whether to roll back or retry.
type Errno int

const (
	EPERM    Errno = Errno(unix.EPERM)
	ENOENT   Errno = Errno(unix.ENOENT)
	EINTR    Errno = Errno(unix.EINTR)
	EIO      Errno = Errno(unix.EIO)
	EAGAIN   Errno = Errno(unix.EAGAIN)
	ENOMEM   Errno = Errno(unix.ENOMEM)
	EACCES   Errno = Errno(unix.EACCES)
	EFAULT   Errno = Errno(unix.EFAULT)
	EBUSY    Errno = Errno(unix.EBUSY)
	EEXIST   Errno = Errno(unix.EEXIST)
	ENOTDIR  Errno = Errno(unix.ENOTDIR)
	EISDIR   Errno = Errno(unix.EISDIR)
	EINVAL   Errno = Errno(unix.EINVAL)
	ENFILE   Errno = Errno(unix.ENFILE)
	EMFILE   Errno = Errno(unix.EMFILE)
	ENOSPC   Errno = Errno(unix.ENOSPC)
	EPIPE    Errno = Errno(unix.EPIPE)
	ERANGE   Errno = Errno(unix.ERANGE)
	ENOSYS   Errno = Errno(unix.ENOSYS)
	ENOTEMPTY Errno = Errno(unix.ENOTEMPTY)
	ENOMSG   Errno = Errno(unix.ENOMSG)
	EIDRM    Errno = Errno(unix.EIDRM)
	ENOLCK   Errno = Errno(unix.ENOLCK)
	ENXIO    Errno = Errno(unix.ENXIO)
	ECHILD   Errno = Errno(unix.ECHILD)
	ENOEXEC  Errno = Errno(unix.ENOEXEC)
	E2BIG    Errno = Errno(unix.E2BIG)
	EBADF    Errno = Errno(unix.EBADF)

	// ERESTARTSYS is not a userspace-visible errno: it is caught at the
	// syscall-return trampoline and either restarts the call (SA_RESTART
	// set on the delivered signal) or is turned into EINTR.
	ERESTARTSYS Errno = -512
)

func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return unix.Errno(e).Error()
}

// Is lets errors.Is(err, errors.EAGAIN) work against a wrapped Errno and
// against a golang.org/x/sys/unix Errno of the same number.
func (e Errno) Is(target error) bool {
	if o, ok := target.(Errno); ok {
		return e == o
	}
	if o, ok := target.(unix.Errno); ok {
		return int(e) == int(o)
	}
	return false
}

var errnoNames = map[Errno]string{
	EPERM:       "operation not permitted",
	ENOENT:      "no such file or directory",
	EINTR:       "interrupted system call",
	EIO:         "input/output error",
	EAGAIN:      "resource temporarily unavailable",
	ENOMEM:      "cannot allocate memory",
	EACCES:      "permission denied",
	EFAULT:      "bad address",
	EBUSY:       "device or resource busy",
	EEXIST:      "file exists",
	ENOTDIR:     "not a directory",
	EISDIR:      "is a directory",
	EINVAL:      "invalid argument",
	ENFILE:      "too many open files in system",
	EMFILE:      "too many open files",
	ENOSPC:      "no space left on device",
	EPIPE:       "broken pipe",
	ERANGE:      "result too large",
	ENOSYS:      "function not implemented",
	ENOTEMPTY:   "directory not empty",
	ENOMSG:      "no message of desired type",
	EIDRM:       "identifier removed",
	ENOLCK:      "no locks available",
	ENXIO:       "no such device or address",
	ECHILD:      "no child processes",
	ENOEXEC:     "exec format error",
	E2BIG:       "argument list too long",
	EBADF:       "bad file descriptor",
	ERESTARTSYS: "restart syscall (internal)",
}

// Restartable reports whether err is ERESTARTSYS, the signal returning
// from an interrupted blocking call whose handler was registered with
// SA_RESTART. Callers at the syscall-return trampoline translate it
// either into a transparent restart of the syscall or, absent
// SA_RESTART on the delivered signal, into EINTR.
func Restartable(err error) bool {
	return Is(err, ERESTARTSYS)
}
