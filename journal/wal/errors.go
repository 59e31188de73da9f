package wal

import (
	"errors"
	"fmt"
)

// ErrNoData is returned while scanning to mean "no valid structure found
// here". It is the expected end-of-log condition, never fatal.
var ErrNoData = errors.New("no data")

// ErrJournalFull rejects a submission that would overwrite unapplied
// records in the circular journal. Callers should advance the journal
// tail and retry.
var ErrJournalFull = errors.New("journal full")

// ErrOutOfRange reports a write or read beyond the journal's bounds.
var ErrOutOfRange = errors.New("out of range")

// ErrInvalidArg reports configuration or mkfs misuse. Fatal to startup.
var ErrInvalidArg = errors.New("invalid argument")

// ShortReadError is used when a device read returns fewer bytes than the
// structure being decoded requires.
type ShortReadError string

func (msg ShortReadError) Error() string {
	return fmt.Sprintf("%s: unexpectedly short read", string(msg))
}

// ReplayError is used when the journal replay process fails. If Cont is
// true the caller may abandon the journal and continue startup.
type ReplayError struct {
	Msg  string
	Cont bool
}

func (e ReplayError) Error() string {
	return fmt.Sprintf("%s: error replaying journal, cont=%v", e.Msg, e.Cont)
}
