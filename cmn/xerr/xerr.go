// Package xerr defines the engine's typed error taxonomy (§7) and
// constructors that attach call-site context the way
// cmn.NewErrAborted / cmn.NewErrXactUsePrev do.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package xerr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors corresponding to the codes named in §6/§7.
var (
	ErrNoSpace      = stderrors.New("ENOSPC: out of space")
	ErrIO           = stderrors.New("EIO: device i/o failure")
	ErrChecksum     = stderrors.New("ECKSUM: checksum verify failed")
	ErrNoDevice     = stderrors.New("ENXIO: no such device")
	ErrOverflow     = stderrors.New("EOVERFLOW: offset+size exceeds vdev")
	ErrAgain        = stderrors.New("EAGAIN: extent already allocated")
	ErrStale        = stderrors.New("ESTALE: extent never allocated")
	ErrQuiesceTimeo = stderrors.New("timed out waiting for quiescence")
)

// Panic is raised for programmer errors / truly-unrecoverable pool states
// (bad stage, bad BP padding, bad sibling linkage, gang allocation that
// cannot even satisfy the minimum block size). It is never returned as an
// error value -- it's always panic()'d, and nothing in this module recovers
// it; a gang allocation on a CANFAIL zio fails with an error instead of
// raising it.
type Panic struct {
	Msg string
}

func (p *Panic) Error() string { return p.Msg }

func NewPanic(format string, args ...any) *Panic {
	return &Panic{Msg: fmt.Sprintf(format, args...)}
}

// Aborted wraps a cause with the name of the entity that aborted, mirroring
// cmn.NewErrAborted(name, reason, cause).
func Aborted(name, reason string, cause error) error {
	return errors.Wrapf(cause, "%s: aborted (%s)", name, reason)
}

// Wrap attaches a stack trace and the context message to err; every call
// adds another layer, and errors.Is still finds the original sentinel
// through the chain. A nil err stays nil.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, context)
}

func Is(err, target error) bool { return stderrors.Is(err, target) }
