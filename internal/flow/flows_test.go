package flow

import "testing"

func TestNextStepWalksFlowInOrder(t *testing.T) {
	def := Lookup("family_visa")

	step := NextStep(def, nil)
	if step == nil || step.Key != "applicant_name" {
		t.Fatalf("expected first step applicant_name, got %+v", step)
	}

	collected := map[string]string{
		"applicant_name": "Amira Hassan",
		"nationality":    "Jordanian",
	}
	step = NextStep(def, collected)
	if step == nil || step.Key != "destination_country" {
		t.Fatalf("expected destination_country after two fields, got %+v", step)
	}
}

func TestNextStepSkipsEmptyValues(t *testing.T) {
	def := Lookup("family_visa")
	collected := map[string]string{"applicant_name": ""}

	step := NextStep(def, collected)
	if step == nil || step.Key != "applicant_name" {
		t.Fatalf("empty value must not count as collected, got %+v", step)
	}
}

func TestCompleteFlow(t *testing.T) {
	def := Lookup("family_visa")
	collected := map[string]string{}
	for _, s := range def.Steps {
		collected[s.Field] = "x"
	}

	if !Complete(def, collected) {
		t.Fatal("expected flow to be complete")
	}
	if step := NextStep(def, collected); step != nil {
		t.Fatalf("expected no next step, got %+v", step)
	}
}

func TestLookupUnknownFallsBack(t *testing.T) {
	def := Lookup("no-such-flow")
	if def.Key != DefaultFlowKey {
		t.Fatalf("expected default flow, got %q", def.Key)
	}
}
