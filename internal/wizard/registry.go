package wizard

import "github.com/joelklabo/autoblog/internal/presets"

// PresetOption is a starting config offered by the wizard.
type PresetOption struct {
	Name        string
	Description string
}

// ScheduleOption is an automation cadence offered for a feed.
type ScheduleOption struct {
	Schedule    string
	Description string
}

// Registry holds available options for the wizard.
type Registry struct {
	Presets   []PresetOption
	Schedules []ScheduleOption
}

var defaultRegistry = newDefaultRegistry()

func newDefaultRegistry() Registry {
	descs := presets.List()
	reg := Registry{
		Schedules: []ScheduleOption{
			{Schedule: "@hourly", Description: "Every hour"},
			{Schedule: "@daily", Description: "Once a day"},
			{Schedule: "@weekly", Description: "Once a week"},
		},
	}
	for _, name := range presets.Names() {
		reg.Presets = append(reg.Presets, PresetOption{Name: name, Description: descs[name]})
	}
	return reg
}

// GetRegistry returns the default registry (copy).
func GetRegistry() Registry {
	return defaultRegistry
}

// SetRegistry overrides the global registry (primarily for tests/extensibility).
// Callers should restore the previous value after use to avoid leaking state across tests.
func SetRegistry(r Registry) {
	defaultRegistry = r
}
