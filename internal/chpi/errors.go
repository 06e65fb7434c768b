package chpi

import "errors"

// Sentinel errors. Callers match them with errors.Is; producers wrap them
// with fmt.Errorf("%w: ...") to add context.
var (
	ErrMissingCalibration = errors.New("missing cHPI calibration")
	ErrCoordinateFrame    = errors.New("wrong coordinate frame")
	ErrInsufficientCoils  = errors.New("insufficient good coils")
	ErrLowGoodness        = errors.New("goodness of fit below limit")
	ErrFormat             = errors.New("malformed head position data")
	ErrInvalidPath        = errors.New("invalid path")
	ErrNotImplemented     = errors.New("not implemented for this system")
	ErrOutOfBounds        = errors.New("time out of bounds")
	ErrTooClose           = errors.New("too close")
	ErrInvalidConfig      = errors.New("invalid configuration")
)
