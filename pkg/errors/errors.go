// Copyright 2024 The Chaff Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package errors provides the kernel's error taxonomy on top of the
// standard errors package, plus the negated-errno convention used
// throughout pkg/kernel.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// Errno is a POSIX-like symbolic error code. Operations in pkg/kernel
// return 0 or a positive value on success and a negative Errno on
// failure (spec §7); Errno itself always carries the positive,
// nameable value and callers negate it at the boundary where that
// convention applies (e.g. the abstract syscall surface).
type Errno int

const (
	EPERM        Errno = 1
	ENOENT       Errno = 2
	ESRCH        Errno = 3
	EINTR        Errno = 4
	EIO          Errno = 5
	ENXIO        Errno = 6
	E2BIG        Errno = 7
	ENOEXEC      Errno = 8
	EBADF        Errno = 9
	ECHILD       Errno = 10
	EAGAIN       Errno = 11
	ENOMEM       Errno = 12
	EACCES       Errno = 13
	EFAULT       Errno = 14
	ENOTBLK      Errno = 15
	EBUSY        Errno = 16
	EEXIST       Errno = 17
	EXDEV        Errno = 18
	ENODEV       Errno = 19
	ENOTDIR      Errno = 20
	EISDIR       Errno = 21
	EINVAL       Errno = 22
	ENFILE       Errno = 23
	EMFILE       Errno = 24
	ENOTTY       Errno = 25
	EFBIG        Errno = 27
	ENOSPC       Errno = 28
	ESPIPE       Errno = 29
	EROFS        Errno = 30
	ENAMETOOLONG Errno = 36
	ENOSYS       Errno = 38
	ENOTEMPTY    Errno = 39
	ELOOP        Errno = 40
	EDEADLK      Errno = 35
)

var names = map[Errno]string{
	EPERM:        "EPERM",
	ENOENT:       "ENOENT",
	ESRCH:        "ESRCH",
	EINTR:        "EINTR",
	EIO:          "EIO",
	ENXIO:        "ENXIO",
	E2BIG:        "E2BIG",
	ENOEXEC:      "ENOEXEC",
	EBADF:        "EBADF",
	ECHILD:       "ECHILD",
	EAGAIN:       "EAGAIN",
	ENOMEM:       "ENOMEM",
	EACCES:       "EACCES",
	EFAULT:       "EFAULT",
	ENOTBLK:      "ENOTBLK",
	EBUSY:        "EBUSY",
	EEXIST:       "EEXIST",
	EXDEV:        "EXDEV",
	ENODEV:       "ENODEV",
	ENOTDIR:      "ENOTDIR",
	EISDIR:       "EISDIR",
	EINVAL:       "EINVAL",
	ENFILE:       "ENFILE",
	EMFILE:       "EMFILE",
	ENOTTY:       "ENOTTY",
	EFBIG:        "EFBIG",
	ENOSPC:       "ENOSPC",
	ESPIPE:       "ESPIPE",
	EROFS:        "EROFS",
	ENAMETOOLONG: "ENAMETOOLONG",
	ENOSYS:       "ENOSYS",
	ENOTEMPTY:    "ENOTEMPTY",
	ELOOP:        "ELOOP",
	EDEADLK:      "EDEADLK",
}

func (e Errno) Error() string {
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("errno %d", int(e))
}

// Negated returns the negative int conventionally returned from a
// syscall-surface function on failure.
func (e Errno) Negated() int {
	return -int(e)
}

// AsErrno unwraps err looking for an Errno, returning (errno, true) if
// found.
func AsErrno(err error) (Errno, bool) {
	var errno Errno
	if As(err, &errno) {
		return errno, true
	}
	return 0, false
}
