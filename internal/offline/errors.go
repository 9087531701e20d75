package offline

import "errors"

var (
	// ErrStorage wraps any failure to read or write the persisted queue.
	ErrStorage = errors.New("offline: queue storage failure")
	// ErrUnknownKind is returned for actions whose kind this build cannot execute.
	ErrUnknownKind = errors.New("offline: unknown action kind")
	// ErrUndecodable is returned for stored actions whose payload cannot be decoded.
	ErrUndecodable = errors.New("offline: undecodable action payload")
)
