package pipeline

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	StatePending    = "pending"
	StateBuilding   = "building"
	StateTesting    = "testing"
	StateInstalling = "installing"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

const (
	eventBuild   = "build"
	eventTest    = "test"
	eventInstall = "install"
	eventSucceed = "succeed"
	eventFail    = "fail"
)

// Lifecycle tracks one component through build, test and install.
// succeeded and failed are terminal.
type Lifecycle struct {
	Component string
	FSM       *fsm.FSM
	logger    *zap.Logger
}

func NewLifecycle(component string, logger *zap.Logger) *Lifecycle {
	l := &Lifecycle{Component: component, logger: logger}

	l.FSM = fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventBuild, Src: []string{StatePending}, Dst: StateBuilding},
			{Name: eventTest, Src: []string{StateBuilding}, Dst: StateTesting},
			{Name: eventInstall, Src: []string{StateBuilding, StateTesting}, Dst: StateInstalling},
			{Name: eventSucceed, Src: []string{StateInstalling}, Dst: StateSucceeded},
			{Name: eventFail, Src: []string{StateBuilding, StateTesting, StateInstalling}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				l.logger.Debug("component state transition",
					zap.String("component", l.Component),
					zap.String("event", e.Event),
					zap.String("src", e.Src),
					zap.String("dst", e.Dst),
				)
			},
		},
	)

	return l
}

func (l *Lifecycle) Current() string { return l.FSM.Current() }

func (l *Lifecycle) Terminal() bool {
	s := l.FSM.Current()
	return s == StateSucceeded || s == StateFailed
}

func (l *Lifecycle) Build(ctx context.Context) error   { return l.FSM.Event(ctx, eventBuild) }
func (l *Lifecycle) Test(ctx context.Context) error    { return l.FSM.Event(ctx, eventTest) }
func (l *Lifecycle) Install(ctx context.Context) error { return l.FSM.Event(ctx, eventInstall) }
func (l *Lifecycle) Succeed(ctx context.Context) error { return l.FSM.Event(ctx, eventSucceed) }
func (l *Lifecycle) Fail(ctx context.Context) error    { return l.FSM.Event(ctx, eventFail) }
