package collector

import (
	"errors"
	"time"
)

// Status is the tag of the published state.
type Status int

const (
	StatusLoading Status = iota
	StatusLoaded
	StatusNoToken
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusNoToken:
		return "no_token"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the value served to readers. Document is only set for
// StatusLoaded and Cause only for StatusError. A State is never mutated once
// published.
type State struct {
	Status      Status
	Document    string
	Cause       string
	CycleID     string
	CommittedAt time.Time
}

var (
	ErrCycleInProgress = errors.New("collection cycle already running")
	ErrNotReady        = errors.New("no collection cycle committed yet")
)

func loading(cycleID string) *State { return &State{Status: StatusLoading, CycleID: cycleID} }

func loaded(cycleID, doc string) *State {
	return &State{Status: StatusLoaded, Document: doc, CycleID: cycleID, CommittedAt: time.Now().UTC()}
}

func noToken(cycleID string) *State {
	return &State{Status: StatusNoToken, CycleID: cycleID, CommittedAt: time.Now().UTC()}
}

func failed(cycleID string, cause error) *State {
	return &State{Status: StatusError, Cause: cause.Error(), CycleID: cycleID, CommittedAt: time.Now().UTC()}
}
