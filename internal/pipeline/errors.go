package pipeline

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageBuild   Stage = "build"
	StageTest    Stage = "test"
	StageInstall Stage = "install"
)

var (
	ErrBuildFailure   = errors.New("build failure")
	ErrTestFailure    = errors.New("test failure")
	ErrInstallFailure = errors.New("install failure")
)

func (s Stage) sentinel() error {
	switch s {
	case StageBuild:
		return ErrBuildFailure
	case StageTest:
		return ErrTestFailure
	default:
		return ErrInstallFailure
	}
}

// StageError is a component-scoped failure. It matches both the stage
// sentinel and the underlying cause with errors.Is.
type StageError struct {
	Component string
	Stage     Stage
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Stage.sentinel(), e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Stage.sentinel(), e.Err}
}
