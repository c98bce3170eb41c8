package machine

import "errors"

var (
	// ErrNotOwner: the command source does not currently own the actuators.
	ErrNotOwner = errors.New("actuators owned by another source")

	// ErrNotPermitted: the request is not allowed in the current machine state.
	ErrNotPermitted = errors.New("not permitted in current state")

	ErrCleaningActive = errors.New("cleaning active")
	ErrUnknownFlavour = errors.New("unknown flavour")
	ErrInvalidSide    = errors.New("invalid side")
	ErrInvalidSpeed   = errors.New("invalid speed")

	// ErrActuatorStopped is returned once the actuator loop has exited.
	ErrActuatorStopped = errors.New("actuator stopped")
)
