package domain

import "time"

// Schedule paces a rollout into sessions separated by cooldowns.
type Schedule struct {
	ID              string
	HostNumbers     []int
	CooldownMinutes []int
	CurrentSession  int
	TotalSessions   int
	State           ScheduleState
	StateStartTime  time.Time
}

// SessionBudget returns the cumulative host budget up to and including the
// current session.
func (s Schedule) SessionBudget() int {
	total := 0
	for i := 0; i < s.CurrentSession && i < len(s.HostNumbers); i++ {
		total += s.HostNumbers[i]
	}
	return total
}

// CurrentCooldown returns the cooldown of the current session.
func (s Schedule) CurrentCooldown() time.Duration {
	idx := s.CurrentSession - 1
	if idx < 0 || idx >= len(s.CooldownMinutes) {
		return 0
	}
	return time.Duration(s.CooldownMinutes[idx]) * time.Minute
}
