package device

import "errors"

// Errors for device operations
var (
	ErrNoDevices      = errors.New("no coprocessor found")
	ErrDeviceClosed   = errors.New("device is detached")
	ErrTooManyDevices = errors.New("device limit reached")
	ErrNoUIO          = errors.New("function is not bound to uio_pci_generic")
)
