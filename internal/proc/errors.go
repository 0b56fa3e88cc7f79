package proc

import "errors"

// ErrNoProcess indicates the target process or group has already exited
var ErrNoProcess = errors.New("proc: no such process")
