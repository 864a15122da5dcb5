package deploystate

import (
	"time"

	"github.com/splax/fleetgoal/internal/domain"
)

// Counts is the per-host tally a decision is based on.
type Counts struct {
	Total     int
	Succeeded int
	Stuck     int
}

// Decision is the outcome of one aggregation round.
type Decision struct {
	Update domain.DeployUpdate
	// FirstSuccess is set when this round stamped the success date.
	FirstSuccess bool
}

// Decide rolls host counts into the deploy's macro state. capacity is
// the cluster size reported by a CapacityReader, or 0 when unknown.
func Decide(dep domain.Deploy, env domain.Environment, c Counts, sched domain.ScheduleState, capacity int, now time.Time) Decision {
	d := Decision{Update: domain.DeployUpdate{
		State:        dep.State,
		SuccessCount: c.Succeeded,
		StuckCount:   c.Stuck,
		Total:        c.Total,
		LastUpdate:   now,
	}}
	threshold := env.SuccessThreshold

	if c.Succeeded*domain.MaxThreshold >= threshold*c.Total && !(c.Succeeded == 0 && capacity > 0) {
		d.Update.State = domain.DeployStateSucceeding
		if dep.SuccessDate == nil {
			at := now
			d.Update.SuccessDate = &at
			d.FirstSuccess = true
			if env.AcceptType == domain.AcceptTypeAuto {
				d.Update.AcceptanceStatus = domain.AcceptanceAccepted
			} else {
				d.Update.AcceptanceStatus = domain.AcceptanceOutstanding
			}
		}
		return d
	}

	if c.Stuck*domain.MaxThreshold > (domain.MaxThreshold-threshold)*c.Total {
		d.Update.State = domain.DeployStateFailing
		return d
	}

	elapsed := now.Sub(dep.LastUpdate)
	stuckAfter := time.Duration(env.StuckThresholdSeconds) * time.Second
	if c.Succeeded <= dep.SuccessCount && elapsed >= stuckAfter {
		switch {
		case dep.State == domain.DeployStateSucceeding:
			// New hosts joined after success.
			d.Update.State = domain.DeployStateRunning
		case sched == domain.ScheduleCoolingDown:
		default:
			d.Update.State = domain.DeployStateFailing
			// Keep the old timestamp so the next round still sees no progress.
			d.Update.LastUpdate = dep.LastUpdate
		}
		return d
	}

	d.Update.State = domain.DeployStateRunning
	return d
}

// Changed reports whether the update must be persisted.
func (d Decision) Changed(dep domain.Deploy) bool {
	u := d.Update
	return u.State != dep.State ||
		u.SuccessCount != dep.SuccessCount ||
		u.StuckCount != dep.StuckCount ||
		u.Total != dep.Total
}

// ShouldNotify reports whether moving from old to next is worth telling
// operators about. successDate is the deploy's success date before the
// round.
func ShouldNotify(old, next domain.DeployState, successDate *time.Time) bool {
	switch {
	case old == next:
		return false
	case next == domain.DeployStateRunning:
		return false
	case old == domain.DeployStateSucceeding && next == domain.DeployStateSucceeded:
		return false
	case old == domain.DeployStateFailing && next == domain.DeployStateAborted:
		return false
	}
	return !(next == domain.DeployStateSucceeding && successDate != nil)
}
