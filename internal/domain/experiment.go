package domain

import "time"

// Experiment is an A/B test configured for a site. Goals and Variants are
// the sets a conversion must match to be attributed.
type Experiment struct {
	ID       string    `json:"id"`
	SiteID   string    `json:"site_id"`
	Name     string    `json:"name"`
	Goals    []string  `json:"goals"`
	Variants []string  `json:"variants"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	IsActive bool      `json:"is_active"`
}

// Matches reports whether a conversion with the given goal and variant,
// occurring at the given time, falls inside this experiment.
func (x Experiment) Matches(goal, variant string, at time.Time) bool {
	if !x.IsActive || at.Before(x.StartsAt) || at.After(x.EndsAt) {
		return false
	}
	return contains(x.Goals, goal) && contains(x.Variants, variant)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Attribution links a conversion event to the experiment variant credited
// for it. Written at most once per (experiment, session, goal) and never
// revised afterward.
type Attribution struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	SiteID       string    `json:"site_id"`
	SessionID    string    `json:"session_id"`
	EventID      string    `json:"event_id"`
	Goal         string    `json:"goal"`
	Variant      string    `json:"variant"`
	Value        float64   `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
}
