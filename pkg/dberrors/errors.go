package dberrors

import "github.com/cockroachdb/errors"

// Parse and corruption errors. Always fatal to the operation in progress.
var (
	ErrBadKey           = errors.New("tabletdb: malformed packed key")
	ErrBadMagic         = errors.New("tabletdb: bad block magic")
	ErrChecksum         = errors.New("tabletdb: block checksum mismatch")
	ErrBadCompression   = errors.New("tabletdb: unknown block compression")
	ErrCorruptCellStore = errors.New("tabletdb: corrupt cell store")
	ErrCorruptCommitLog = errors.New("tabletdb: corrupt commit log")
	ErrCorruptMetaLog   = errors.New("tabletdb: corrupt meta log")
	ErrUnknownEntryType = errors.New("tabletdb: unknown meta log entry type")
)

// Policy violations. Recorded on the range as a sticky error.
var (
	ErrInvalidColumnFamily = errors.New("tabletdb: invalid column family")
	ErrRowOverflow         = errors.New("tabletdb: unable to determine split row")
	ErrOutOfOrder          = errors.New("tabletdb: out-of-order append")
	ErrOutOfRange          = errors.New("tabletdb: row outside range bounds")
)

// Resource and lifecycle errors.
var (
	ErrCacheCheckout   = errors.New("tabletdb: block cache checkout failed")
	ErrNotFound        = errors.New("tabletdb: not found")
	ErrClosed          = errors.New("tabletdb: closed")
	ErrInvalidArgument = errors.New("tabletdb: invalid argument")
	ErrRangeNotFound   = errors.New("tabletdb: range not found")
	ErrMaintenanceBusy = errors.New("tabletdb: maintenance in progress")
)

// IsCorruption reports whether err belongs to the parse/corruption class.
func IsCorruption(err error) bool {
	return errors.IsAny(err,
		ErrBadKey, ErrBadMagic, ErrChecksum, ErrBadCompression,
		ErrCorruptCellStore, ErrCorruptCommitLog, ErrCorruptMetaLog, ErrUnknownEntryType,
	)
}

// IsPolicy reports whether err is a policy violation that sticks to a range.
func IsPolicy(err error) bool {
	return errors.IsAny(err, ErrInvalidColumnFamily, ErrRowOverflow, ErrOutOfRange)
}
