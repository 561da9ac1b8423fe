package flow

// Step is one question in an intake flow. Field names the collected_data key
// the step fills; a step is complete once that key is present.
type Step struct {
	Key         string
	QuestionKey string
	Field       string
	Prompt      string
}

// Definition is an ordered intake flow.
type Definition struct {
	Key   string
	Steps []Step
}

// DefaultFlowKey is the flow new conversations are placed in.
const DefaultFlowKey = "family_visa"

var familyVisa = Definition{
	Key: "family_visa",
	Steps: []Step{
		{
			Key:         "applicant_name",
			QuestionKey: "ask_applicant_name",
			Field:       "applicant_name",
			Prompt:      "Ask for the full name of the main applicant as written in their passport.",
		},
		{
			Key:         "nationality",
			QuestionKey: "ask_nationality",
			Field:       "nationality",
			Prompt:      "Ask for the applicant's nationality.",
		},
		{
			Key:         "destination_country",
			QuestionKey: "ask_destination",
			Field:       "destination_country",
			Prompt:      "Ask which country the family plans to relocate to.",
		},
		{
			Key:         "family_size",
			QuestionKey: "ask_family_size",
			Field:       "family_size",
			Prompt:      "Ask how many family members will be included in the application.",
		},
		{
			Key:         "sponsor_status",
			QuestionKey: "ask_sponsor_status",
			Field:       "sponsor_status",
			Prompt:      "Ask whether a sponsoring relative already holds residency in the destination country.",
		},
		{
			Key:         "timeline",
			QuestionKey: "ask_timeline",
			Field:       "timeline",
			Prompt:      "Ask when the family hopes to travel.",
		},
	},
}

var registry = map[string]Definition{
	familyVisa.Key: familyVisa,
}

// Lookup returns the flow definition for key, falling back to the default
// flow when key is unknown.
func Lookup(key string) Definition {
	if def, ok := registry[key]; ok {
		return def
	}
	return registry[DefaultFlowKey]
}

// NextStep returns the first step whose field is still missing from collected
// data, or nil when the flow is complete.
func NextStep(def Definition, collected map[string]string) *Step {
	for i := range def.Steps {
		if v, ok := collected[def.Steps[i].Field]; !ok || v == "" {
			return &def.Steps[i]
		}
	}
	return nil
}

// Complete reports whether every step's field has been collected.
func Complete(def Definition, collected map[string]string) bool {
	return NextStep(def, collected) == nil
}
