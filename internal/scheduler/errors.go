package scheduler

import (
	"fmt"

	"wsiview/internal/pyramid"
)

// DecodeError reports a failed decode of a single tile. The tile is not
// retried until the generation changes.
type DecodeError struct {
	Key pyramid.TileKey
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode tile %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
