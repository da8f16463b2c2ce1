package preload

import (
	"time"

	"github.com/navcache/navcache/pkg/types"
)

// RoleRule suggests routes for users holding a role.
type RoleRule struct {
	Role       string   `yaml:"role"`
	Routes     []string `yaml:"routes"`
	Confidence float64  `yaml:"confidence"`
}

// TimeRule suggests routes between FromHour and ToHour inclusive on the
// listed weekdays. An empty Weekdays list matches every day.
type TimeRule struct {
	Name       string         `yaml:"name"`
	Routes     []string       `yaml:"routes"`
	FromHour   int            `yaml:"from_hour"`
	ToHour     int            `yaml:"to_hour"`
	Weekdays   []time.Weekday `yaml:"weekdays"`
	Confidence float64        `yaml:"confidence"`
}

// Heuristics holds the static candidate rules.
type Heuristics struct {
	Roles []RoleRule `yaml:"roles"`
	Times []TimeRule `yaml:"times"`
}

// DefaultHeuristics returns a small rule set for a staff portal.
func DefaultHeuristics() Heuristics {
	return Heuristics{
		Roles: []RoleRule{
			{Role: "admin", Routes: []string{"/dashboard", "/system/users"}, Confidence: 0.75},
			{Role: "principal", Routes: []string{"/dashboard", "/reports"}, Confidence: 0.75},
			{Role: "teacher", Routes: []string{"/classes", "/attendance"}, Confidence: 0.72},
			{Role: "parent", Routes: []string{"/children", "/notifications"}, Confidence: 0.72},
		},
		Times: []TimeRule{
			{Name: "week-ahead", Routes: []string{"/schedule/week"}, FromHour: 8, ToHour: 10, Weekdays: []time.Weekday{time.Monday}, Confidence: 0.85},
			{Name: "day-end", Routes: []string{"/schedule/tomorrow"}, FromHour: 17, ToHour: 18, Confidence: 0.75},
			{Name: "weekly-review", Routes: []string{"/reports/weekly"}, FromHour: 15, ToHour: 17, Weekdays: []time.Weekday{time.Friday}, Confidence: 0.8},
		},
	}
}

func (h Heuristics) byRole(role string) []types.Prediction {
	if role == "" {
		return nil
	}
	var out []types.Prediction
	for _, r := range h.Roles {
		if r.Role != role {
			continue
		}
		for _, route := range r.Routes {
			out = append(out, types.Prediction{Route: route, Confidence: r.Confidence, Source: types.SourceRole})
		}
	}
	return out
}

func (h Heuristics) byTime(now time.Time) []types.Prediction {
	var out []types.Prediction
	hour := now.Hour()
	for _, r := range h.Times {
		if hour < r.FromHour || hour > r.ToHour {
			continue
		}
		if !matchesDay(r.Weekdays, now.Weekday()) {
			continue
		}
		for _, route := range r.Routes {
			out = append(out, types.Prediction{Route: route, Confidence: r.Confidence, Source: types.SourceTime})
		}
	}
	return out
}

func matchesDay(days []time.Weekday, day time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
