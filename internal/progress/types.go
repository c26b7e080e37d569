package progress

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownType = errors.New("unknown project type")
	ErrUnknownStep = errors.New("unknown progress step")
)

// TypeRegistry lists the ordered steps of every supported project type.
// Selecting a type initializes progress with exactly these steps, all false.
var TypeRegistry = map[string][]string{
	"Software Development":   {"Planning", "Development", "Testing", "Deployment"},
	"Infrastructure":         {"Planning", "Procurement", "Implementation", "Monitoring"},
	"Cybersecurity":          {"Assessment", "Mitigation", "Training", "Audit"},
	"Cloud":                  {"Provisioning", "Migration", "Optimization", "Security"},
	"ERP":                    {"Requirements", "Customization", "Integration", "Training"},
	"Digital Transformation": {"Analysis", "Tool Selection", "Adoption", "Review"},
	"Legacy Systems":         {"Assessment", "Upgrade Plan", "Migration", "Testing"},
	"Graphics Design":        {"Concept", "Design", "Feedback", "Finalization"},
	"Data Analytics":         {"Data Gathering", "Cleaning", "Analysis", "Reporting"},
}

// typeOrder is the display order of TypeRegistry keys.
var typeOrder = []string{
	"Software Development",
	"Infrastructure",
	"Cybersecurity",
	"Cloud",
	"ERP",
	"Digital Transformation",
	"Legacy Systems",
	"Graphics Design",
	"Data Analytics",
}

// Types returns the known project types in display order.
func Types() []string {
	out := make([]string, len(typeOrder))
	copy(out, typeOrder)
	return out
}

// StepsFor returns a copy of the step list for a project type.
func StepsFor(projectType string) ([]string, error) {
	steps, ok := TypeRegistry[projectType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, projectType)
	}
	out := make([]string, len(steps))
	copy(out, steps)
	return out, nil
}

// ValidateType reports whether projectType has a step table.
func ValidateType(projectType string) error {
	if _, ok := TypeRegistry[projectType]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, projectType)
	}
	return nil
}
