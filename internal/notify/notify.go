// Package notify delivers deploy events to operators and downstream
// systems. Delivery is fire-and-forget from the caller's point of view.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event kinds.
const (
	KindDeployState     = "deploy.state"
	KindDeploySucceeded = "deploy.succeeded"
	KindPostDeployHooks = "deploy.post_hooks"
)

// Event describes something operators may want to hear about.
type Event struct {
	Kind      string    `json:"kind"`
	EnvID     string    `json:"envId"`
	EnvName   string    `json:"envName,omitempty"`
	StageName string    `json:"stageName,omitempty"`
	DeployID  string    `json:"deployId"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	Operator  string    `json:"operator,omitempty"`
	Hooks     []string  `json:"hooks,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Multi delivers each event to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a notifier that logs each event at info.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "notify")}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, ev Event) error {
	l.logger.Info("deploy event",
		"kind", ev.Kind,
		"env_id", ev.EnvID,
		"deploy_id", ev.DeployID,
		"state", ev.State,
		"message", ev.Message,
	)
	return nil
}
