package browser

import (
	"context"
	"errors"
	"fmt"
)

// LaunchError reports that a session could not be acquired at all.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	if e == nil || e.Err == nil {
		return "launch session"
	}
	return "launch session: " + e.Err.Error()
}

func (e *LaunchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ReleaseError reports a failure while tearing a session down.
type ReleaseError struct {
	Err error
}

func (e *ReleaseError) Error() string {
	if e == nil || e.Err == nil {
		return "release session"
	}
	return "release session: " + e.Err.Error()
}

func (e *ReleaseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithSession launches a session, runs fn with it and releases it exactly once.
//
// Release happens on every exit path, including a panic inside fn (the panic is
// re-raised afterwards). A launch failure is returned as *LaunchError and fn is
// not called. A release failure is joined to fn's error as *ReleaseError.
func WithSession(ctx context.Context, l Launcher, id Identity, fn func(Session) error) (err error) {
	if l == nil {
		return &LaunchError{Err: errors.New("nil launcher")}
	}
	s, err := l.Launch(ctx, id)
	if err != nil {
		return &LaunchError{Err: err}
	}
	if s == nil {
		return &LaunchError{Err: fmt.Errorf("launcher returned no session")}
	}
	defer func() {
		if rerr := s.Release(); rerr != nil {
			err = errors.Join(err, &ReleaseError{Err: rerr})
		}
	}()
	return fn(s)
}
