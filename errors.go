package threadsafe

import "errors"

var (
	// ErrDuplicateKey is returned by insert operations that must not
	// overwrite when a live entry with an equal key is already present.
	ErrDuplicateKey = errors.New("threadsafe: duplicate key")

	// ErrInvalidArgument reports a nil key, comparer or predicate.
	ErrInvalidArgument = errors.New("threadsafe: invalid argument")
)
