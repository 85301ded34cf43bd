package decode

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// Class is the operator-facing category of a camera acquisition failure.
type Class string

const (
	ClassPermissionDenied       Class = "permission_denied"
	ClassNoCamera               Class = "no_camera"
	ClassCameraBusy             Class = "camera_busy"
	ClassUnsupportedConstraints Class = "unsupported_constraints"
	ClassGeneric                Class = "generic"
)

// Sentinels for errors.Is on a *CameraError.
var (
	ErrPermissionDenied       = errors.New("decode: camera permission denied")
	ErrNoCamera               = errors.New("decode: no camera")
	ErrCameraBusy             = errors.New("decode: camera busy")
	ErrUnsupportedConstraints = errors.New("decode: unsupported camera constraints")
)

var classSentinel = map[Class]error{
	ClassPermissionDenied:       ErrPermissionDenied,
	ClassNoCamera:               ErrNoCamera,
	ClassCameraBusy:             ErrCameraBusy,
	ClassUnsupportedConstraints: ErrUnsupportedConstraints,
}

// CameraError is a classified acquisition failure.
type CameraError struct {
	Class   Class
	Backend string
	Err     error
}

func (e *CameraError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("decode: %s: %s: %v", e.Backend, e.Class, e.Err)
	}
	return fmt.Sprintf("decode: %s: %v", e.Class, e.Err)
}

func (e *CameraError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's class.
func (e *CameraError) Is(target error) bool {
	s, ok := classSentinel[e.Class]
	return ok && s == target
}

// NewCameraError classifies err and wraps it for backend.
func NewCameraError(backend string, err error) *CameraError {
	var ce *CameraError
	if errors.As(err, &ce) {
		if ce.Backend == "" {
			ce.Backend = backend
		}
		return ce
	}
	return &CameraError{Class: Classify(err), Backend: backend, Err: err}
}

// Classify maps an acquisition error to a Class: wrapped CameraErrors keep
// their class, OS errnos are mapped directly, anything else is matched by
// keyword.
func Classify(err error) Class {
	if err == nil {
		return ClassGeneric
	}
	var ce *CameraError
	if errors.As(err, &ce) {
		return ce.Class
	}
	for c, s := range classSentinel {
		if errors.Is(err, s) {
			return c
		}
	}
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM), errors.Is(err, fs.ErrPermission):
		return ClassPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		return ClassCameraBusy
	case errors.Is(err, syscall.EINVAL):
		return ClassUnsupportedConstraints
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO), errors.Is(err, fs.ErrNotExist):
		return ClassNoCamera
	}
	return classifyText(err.Error())
}

func classifyText(msg string) Class {
	msg = strings.ToLower(msg)
	switch {
	case containsAny(msg, "permission", "denied", "not allowed", "notallowederror"):
		return ClassPermissionDenied
	case containsAny(msg, "busy", "in use", "notreadableerror", "could not read"):
		return ClassCameraBusy
	case containsAny(msg, "not negotiated", "constraint", "unsupported", "overconstrained", "caps"):
		return ClassUnsupportedConstraints
	case containsAny(msg, "no such device", "no camera", "not found", "notfounderror", "does not exist"):
		return ClassNoCamera
	}
	return ClassGeneric
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// OperatorMessage is the reason shown to the person at the counter.
func OperatorMessage(c Class) string {
	switch c {
	case ClassPermissionDenied:
		return "Camera access was denied. Allow camera access for this station and start again."
	case ClassNoCamera:
		return "No camera was found. Check that a camera is connected."
	case ClassCameraBusy:
		return "The camera is in use by another application. Close it and start again."
	case ClassUnsupportedConstraints:
		return "The camera does not support the requested settings."
	default:
		return "The camera could not be started."
	}
}

// specificity ranks classes for Chain: the most specific failure wins.
func specificity(c Class) int {
	switch c {
	case ClassPermissionDenied:
		return 4
	case ClassCameraBusy:
		return 3
	case ClassUnsupportedConstraints:
		return 2
	case ClassNoCamera:
		return 1
	default:
		return 0
	}
}
