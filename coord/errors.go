package coord

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	// ErrConnect is returned when a session with the coordination service
	// cannot be established. It is the only error that is fatal to a
	// contestant.
	ErrConnect = errors.New("failed to connect to coordination service", j.C("ERR_6f1d0c6a3e8b42d1"))

	// ErrAlreadyExists is returned when creating a persistent node that is
	// already present. Expected during concurrent parent bootstrap.
	ErrAlreadyExists = errors.New("node already exists", j.C("ERR_2b9a417cd05e88f3"))

	// ErrNotFound is returned for operations on absent nodes. Benign during
	// predecessor-vanished and already-deleted races.
	ErrNotFound = errors.New("node not found", j.C("ERR_c43f8e902a176bd4"))

	// ErrTimeout is returned when a single coordination call exceeds the
	// configured call timeout.
	ErrTimeout = errors.New("coordination call timed out", j.C("ERR_91d25ab38f4c07e6"))

	// ErrClosed is returned for calls on a closed session.
	ErrClosed = errors.New("session closed", j.C("ERR_7e30c1f59ab264d8"))
)
