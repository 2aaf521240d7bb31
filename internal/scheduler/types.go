package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrShutdown is returned by registrations made after Shutdown.
	ErrShutdown = errors.New("scheduler: shut down")
	// ErrUnknownAction is returned when a trigger names an unregistered action.
	ErrUnknownAction = errors.New("scheduler: unknown action")
	// ErrInvalidCron is returned for cron expressions gronx rejects.
	ErrInvalidCron = errors.New("scheduler: invalid cron expression")
	// ErrInvalidTrigger is returned for triggers without an id.
	ErrInvalidTrigger = errors.New("scheduler: trigger id required")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

// Kind tells recurring and one-off triggers apart.
type Kind string

const (
	KindRecurring Kind = "recurring"
	KindOneOff    Kind = "oneoff"
)

// Trigger is one pending firing. For recurring triggers FireAt is the next
// computed occurrence of CronExpr.
type Trigger struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	FireAt    time.Time `json:"fire_at"`
	CronExpr  string    `json:"cron_expr,omitempty"`
	Action    string    `json:"action"`
	Args      []string  `json:"args"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Action is the work bound to an action name. ctx is cancelled when the
// scheduler gives up draining at shutdown.
type Action func(ctx context.Context, args []string) error

// TriggerStore persists the schedule.
type TriggerStore interface {
	SaveTrigger(ctx context.Context, t Trigger) error
	DeleteTrigger(ctx context.Context, id string) error
	LoadTriggers(ctx context.Context) ([]Trigger, error)
}

// MissedPolicy decides what Start does with triggers whose fire time passed
// while the process was down.
type MissedPolicy int

const (
	// CatchUp fires missed triggers once, immediately. Recurring triggers
	// are then re-armed at their next occurrence.
	CatchUp MissedPolicy = iota
	// Drop deletes missed one-off triggers and re-arms recurring ones
	// without firing them.
	Drop
)

func (p MissedPolicy) String() string {
	if p == Drop {
		return "drop"
	}
	return "catch-up"
}

// ParseMissedPolicy maps "catch-up" and "drop" to a policy.
func ParseMissedPolicy(s string) (MissedPolicy, error) {
	switch s {
	case "", "catch-up", "catchup":
		return CatchUp, nil
	case "drop":
		return Drop, nil
	}
	return CatchUp, errors.New("scheduler: unknown missed policy " + s)
}

// Phase is the lifecycle step reported to event hooks.
type Phase string

const (
	PhaseStarted  Phase = "started"
	PhaseFinished Phase = "finished"
	PhaseFailed   Phase = "failed"
)

// Event describes one job execution step.
type Event struct {
	TriggerID string    `json:"trigger_id"`
	Action    string    `json:"action"`
	Args      []string  `json:"args"`
	Phase     Phase     `json:"phase"`
	Err       string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
