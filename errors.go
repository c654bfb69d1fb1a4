package fleethub

import "errors"

var (
	ErrMissingDeviceID  = errors.New("missing device id")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrObserverNotFound = errors.New("observer not found")
	ErrObserverClosed   = errors.New("observer transport closed")
	ErrSendBufferFull   = errors.New("observer send buffer full")
)
