package scribe

import (
	"fmt"
	"sort"
	"strings"
)

// Parameter describes one field of an EHR command.
type Parameter struct {
	Name        string
	Description string
	Required    bool
}

// CommandType is a supported EHR command. A single generic mapper fills the
// parameters of every type from the LLM answer.
type CommandType struct {
	Name        string
	Description string
	Parameters  []Parameter
}

var registry = map[string]CommandType{}

func register(ct CommandType) {
	registry[ct.Name] = ct
}

func init() {
	register(CommandType{
		Name:        "assess",
		Description: "assessment of an existing condition of the patient",
		Parameters: []Parameter{
			{Name: "condition", Description: "the condition being assessed", Required: true},
			{Name: "status", Description: "one of improving, stable, deteriorated"},
			{Name: "narrative", Description: "free text of the assessment"},
		},
	})
	register(CommandType{
		Name:        "diagnose",
		Description: "new diagnosis made during the visit",
		Parameters: []Parameter{
			{Name: "condition", Description: "the diagnosed condition", Required: true},
			{Name: "icd10_code", Description: "ICD-10 code when stated"},
			{Name: "onset_date", Description: "YYYY-MM-DD"},
			{Name: "assessment", Description: "clinician's reasoning"},
		},
	})
	register(CommandType{
		Name:        "prescription",
		Description: "new medication prescribed",
		Parameters: []Parameter{
			{Name: "medication", Description: "drug name and strength", Required: true},
			{Name: "sig", Description: "directions for the patient", Required: true},
			{Name: "days_supply", Description: "integer"},
			{Name: "refills", Description: "integer"},
			{Name: "indication", Description: "condition treated"},
		},
	})
	register(CommandType{
		Name:        "refill",
		Description: "refill of a current medication",
		Parameters: []Parameter{
			{Name: "medication", Description: "drug name and strength", Required: true},
			{Name: "days_supply", Description: "integer"},
		},
	})
	register(CommandType{
		Name:        "stop_medication",
		Description: "a current medication is discontinued",
		Parameters: []Parameter{
			{Name: "medication", Description: "drug name", Required: true},
			{Name: "rationale", Description: "why it is stopped"},
		},
	})
	register(CommandType{
		Name:        "allergy",
		Description: "allergy or intolerance reported",
		Parameters: []Parameter{
			{Name: "allergen", Description: "substance", Required: true},
			{Name: "reaction", Description: "reaction observed"},
			{Name: "severity", Description: "one of mild, moderate, severe"},
		},
	})
	register(CommandType{
		Name:        "goal",
		Description: "care goal agreed with the patient",
		Parameters: []Parameter{
			{Name: "goal", Description: "the goal statement", Required: true},
			{Name: "due_date", Description: "YYYY-MM-DD"},
			{Name: "priority", Description: "one of high, medium, low"},
		},
	})
	register(CommandType{
		Name:        "task",
		Description: "task for the care team",
		Parameters: []Parameter{
			{Name: "title", Description: "what must be done", Required: true},
			{Name: "due_date", Description: "YYYY-MM-DD"},
			{Name: "assignee", Description: "role or person"},
		},
	})
	register(CommandType{
		Name:        "lab_order",
		Description: "laboratory test ordered",
		Parameters: []Parameter{
			{Name: "tests", Description: "list of test names", Required: true},
			{Name: "fasting", Description: "boolean"},
			{Name: "comment", Description: "free text"},
		},
	})
	register(CommandType{
		Name:        "imaging_order",
		Description: "imaging study ordered",
		Parameters: []Parameter{
			{Name: "study", Description: "imaging study", Required: true},
			{Name: "priority", Description: "one of routine, urgent"},
			{Name: "comment", Description: "free text"},
		},
	})
	register(CommandType{
		Name:        "vitals",
		Description: "vital signs measured",
		Parameters: []Parameter{
			{Name: "blood_pressure", Description: "systolic/diastolic"},
			{Name: "pulse", Description: "beats per minute"},
			{Name: "temperature", Description: "degrees"},
			{Name: "weight", Description: "with unit"},
		},
	})
	register(CommandType{
		Name:        "follow_up",
		Description: "follow-up appointment planned",
		Parameters: []Parameter{
			{Name: "when", Description: "date or delay", Required: true},
			{Name: "reason", Description: "reason for the visit"},
		},
	})
	register(CommandType{
		Name:        "instruct",
		Description: "instruction given to the patient",
		Parameters: []Parameter{
			{Name: "instruction", Description: "what the patient should do", Required: true},
		},
	})
}

// Lookup returns the command type named name.
func Lookup(name string) (CommandType, bool) {
	ct, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return ct, ok
}

// CommandTypes lists the registered types ordered by name.
func CommandTypes() []CommandType {
	types := make([]CommandType, 0, len(registry))
	for _, ct := range registry {
		types = append(types, ct)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types
}

func describeTypes() string {
	var b strings.Builder
	for _, ct := range CommandTypes() {
		fmt.Fprintf(&b, "- %s: %s\n", ct.Name, ct.Description)
	}
	return b.String()
}

func (ct CommandType) describeParameters() string {
	var b strings.Builder
	for _, p := range ct.Parameters {
		required := ""
		if p.Required {
			required = " (required)"
		}
		fmt.Fprintf(&b, "- %s%s: %s\n", p.Name, required, p.Description)
	}
	return b.String()
}

// Complete reports the first required parameter that is missing or null.
func (ct CommandType) Complete(params map[string]interface{}) (string, bool) {
	for _, p := range ct.Parameters {
		if !p.Required {
			continue
		}
		v, ok := params[p.Name]
		if !ok || v == nil {
			return p.Name, false
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return p.Name, false
		}
	}
	return "", true
}

// Filter keeps only the declared parameters.
func (ct CommandType) Filter(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ct.Parameters))
	for _, p := range ct.Parameters {
		if v, ok := params[p.Name]; ok && v != nil {
			out[p.Name] = v
		}
	}
	return out
}
