// Package engine is the opaque Media Engine capability: microphone capture,
// peer audio transport hookup and playback. The session core consumes this
// interface; the in-tree implementation is a software source used when no
// hardware engine is wired in.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type ErrorKind int

const (
	ErrPermissionDenied ErrorKind = iota
	ErrNoDevice
	ErrOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrNoDevice:
		return "no_device"
	default:
		return "other"
	}
}

// CaptureError classifies a failed device acquisition so the caller can
// surface actionable text instead of retrying blindly.
type CaptureError struct {
	Kind ErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func NewCaptureError(kind ErrorKind, err error) *CaptureError {
	return &CaptureError{Kind: kind, Err: err}
}

// KindOf extracts the classification, defaulting to ErrOther.
func KindOf(err error) ErrorKind {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrOther
}

// Capture is one acquired local audio source bound to an RTP track.
type Capture interface {
	Track() *webrtc.TrackLocalStaticRTP
	Start(ctx context.Context) error
	Stop()
}

// Playback binds remote tracks to audible output.
type Playback interface {
	Play(ctx context.Context, track *webrtc.TrackRemote)
	StopAll()
	Level() int
}

// Engine provides capture acquisition and playback wiring.
type Engine interface {
	AcquireCapture(ctx context.Context) (Capture, error)
	Playback() Playback
}
