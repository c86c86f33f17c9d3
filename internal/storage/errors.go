package storage

import "errors"

// ErrInvalidClientID is returned when recording a mark for a negative client id
var ErrInvalidClientID = errors.New("client id must be >= 0")

// ErrInvalidRequestID is returned when recording a negative request id
var ErrInvalidRequestID = errors.New("request id must be >= 0")
