package search

import (
	"encoding/json"
	"testing"
)

func mustResource(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal resource: %v", err)
	}
	return m
}

const evalPatientJSON = `{
	"resourceType": "Patient",
	"id": "pat1",
	"meta": {"lastUpdated": "2024-03-15T10:00:00Z"},
	"active": true,
	"identifier": [
		{"system": "http://hospital.example.org/mrn", "value": "MRN-001"},
		{"value": "plain-id"}
	],
	"name": [
		{"family": "Chalmers", "given": ["Peter", "James"]},
		{"use": "nickname", "given": ["Pete"]}
	],
	"telecom": [
		{"system": "phone", "value": "555-1234"},
		{"system": "email", "value": "peter@example.org"}
	],
	"gender": "male",
	"birthDate": "1974-12-25",
	"address": [{"city": "Pleasantville", "line": ["534 Erewhon St"]}]
}`

const evalObservationJSON = `{
	"resourceType": "Observation",
	"id": "obs1",
	"status": "final",
	"code": {
		"coding": [{"system": "http://loinc.org", "code": "8480-6", "display": "Systolic blood pressure"}],
		"text": "Systolic BP"
	},
	"subject": {"reference": "Patient/pat1"},
	"effectiveDateTime": "2024-03-15T09:30:00Z",
	"valueQuantity": {"value": 120, "unit": "mmHg", "system": "http://unitsofmeasure.org", "code": "mm[Hg]"}
}`

type mapResolver map[string]map[string]interface{}

func (r mapResolver) Resolve(resourceType, id string) (map[string]interface{}, bool) {
	res, ok := r[resourceType+"/"+id]
	return res, ok
}

// evalMatch parses a query against a resource type and matches the resource.
func evalMatch(t *testing.T, e *Evaluator, reg *Registry, resourceType, query string, resource map[string]interface{}) Outcome {
	t.Helper()
	params, _, err := Parse(resourceType, query, reg)
	if err != nil {
		t.Fatalf("Parse(%q): %v", query, err)
	}
	out, err := e.Matches(resource, params)
	if err != nil {
		t.Fatalf("Matches(%q): %v", query, err)
	}
	return out
}

func TestEvaluatorMatchesPatient(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewEvaluator(nil)
	patient := mustResource(t, evalPatientJSON)

	tests := []struct {
		name  string
		query string
		match bool
	}{
		{"token bare code", "gender=male", true},
		{"token bare code ignores case", "gender=MALE", true},
		{"token wrong code", "gender=female", false},
		{"token system and code", "identifier=http://hospital.example.org/mrn|MRN-001", true},
		{"token wrong system", "identifier=http://other.example.org|MRN-001", false},
		{"token no-system form", "identifier=|plain-id", true},
		{"token no-system form rejects systemed entry", "identifier=|MRN-001", false},
		{"token system only", "identifier=http://hospital.example.org/mrn|", true},
		{"token boolean", "active=true", true},
		{"token contact point", "email=peter@example.org", true},
		{"string default starts-with", "family=chal", true},
		{"string default not substring", "family=almers", false},
		{"string exact case", "family:exact=Chalmers", true},
		{"string exact mismatch", "family:exact=chalmers", false},
		{"string contains", "name:contains=ete", true},
		{"string against humanname any part", "name=pete", true},
		{"string address", "address=pleasant", true},
		{"date eq day", "birthdate=1974-12-25", true},
		{"date eq year window", "birthdate=1974", true},
		{"date ne", "birthdate=ne1974-12-25", false},
		{"date ge", "birthdate=ge1974-01-01", true},
		{"date lt", "birthdate=lt1974-12-25", false},
		{"date sa", "birthdate=sa1980", false},
		{"date eb", "birthdate=eb1980", true},
		{"or across values", "gender=female,male", true},
		{"and across parameters", "gender=male&family=Chalmers", true},
		{"and fails when one fails", "gender=male&family=Smith", false},
		{"common id param", "_id=pat1", true},
		{"common lastUpdated", "_lastUpdated=ge2024-01-01", true},
		{"missing true on absent element", "death-date:missing=true", true},
		{"missing false on absent element", "death-date:missing=false", false},
		{"missing false on present element", "birthdate:missing=false", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := evalMatch(t, e, reg, "Patient", tt.query, patient)
			if out.Match != tt.match {
				t.Errorf("match = %v, want %v", out.Match, tt.match)
			}
			if len(out.Ignored) != 0 {
				t.Errorf("unexpected ignored params: %v", out.Ignored)
			}
		})
	}
}

func TestEvaluatorTokenNot(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewEvaluator(nil)
	patient := mustResource(t, evalPatientJSON)

	tests := []struct {
		name  string
		query string
		match bool
	}{
		{"not excludes equal", "gender:not=male", false},
		{"not passes unequal", "gender:not=female", true},
		{"not matches when element absent", "death-date:missing=false&gender:not=unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := evalMatch(t, e, reg, "Patient", tt.query, patient)
			if out.Match != tt.match {
				t.Errorf("match = %v, want %v", out.Match, tt.match)
			}
		})
	}

	// Absent element counts as a match under :not.
	minimal := mustResource(t, `{"resourceType": "Patient", "id": "p2"}`)
	out := evalMatch(t, e, reg, "Patient", "gender:not=male", minimal)
	if !out.Match {
		t.Error("resource without gender should match gender:not=male")
	}
}

func TestEvaluatorMatchesObservation(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewEvaluator(nil)
	obs := mustResource(t, evalObservationJSON)

	tests := []struct {
		name  string
		query string
		match bool
	}{
		{"codeable concept token", "code=http://loinc.org|8480-6", true},
		{"codeable concept bare code", "code=8480-6", true},
		{"token text modifier", "code:text=systolic", true},
		{"reference local", "subject=Patient/pat1", true},
		{"reference bare id", "subject=pat1", true},
		{"reference wrong id", "subject=Patient/other", false},
		{"reference type modifier", "subject:Patient=pat1", true},
		{"quantity with system and code", "value-quantity=120|http://unitsofmeasure.org|mm[Hg]", true},
		{"quantity system without code", "value-quantity=120|http://unitsofmeasure.org|", true},
		{"quantity wrong system", "value-quantity=120|http://other.example.org|", false},
		{"quantity code ignores case", "value-quantity=120|http://unitsofmeasure.org|MM[HG]", true},
		{"quantity code only", "value-quantity=120||mm[Hg]", true},
		{"quantity unit text", "value-quantity=120||mmHg", true},
		{"quantity gt", "value-quantity=gt100", true},
		{"quantity le fails", "value-quantity=le100", false},
		{"quantity approx", "value-quantity=ap115", true},
		{"quantity approx out of band", "value-quantity=ap90", false},
		{"date on choice element", "date=2024-03-15", true},
		{"composite both components", "code-value-quantity=http://loinc.org|8480-6$gt100", true},
		{"composite value fails", "code-value-quantity=http://loinc.org|8480-6$gt200", false},
		{"composite code fails", "code-value-quantity=http://loinc.org|9999-9$gt100", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := evalMatch(t, e, reg, "Observation", tt.query, obs)
			if out.Match != tt.match {
				t.Errorf("match = %v, want %v", out.Match, tt.match)
			}
		})
	}
}

func TestEvaluatorChainedParameter(t *testing.T) {
	reg := newTestRegistry(t)
	patient := mustResource(t, evalPatientJSON)
	obs := mustResource(t, evalObservationJSON)
	e := NewEvaluator(mapResolver{"Patient/pat1": patient})

	tests := []struct {
		name  string
		query string
		match bool
	}{
		{"chain matches referent", "subject.name=peter", true},
		{"chain non-matching value", "subject.name=ringo", false},
		{"chain with type restriction", "subject:Patient.birthdate=1974-12-25", true},
		{"chain date prefix", "subject.birthdate=ge1990", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := evalMatch(t, e, reg, "Observation", tt.query, obs)
			if out.Match != tt.match {
				t.Errorf("match = %v, want %v", out.Match, tt.match)
			}
		})
	}

	t.Run("dangling reference never matches", func(t *testing.T) {
		empty := NewEvaluator(mapResolver{})
		out := evalMatch(t, empty, reg, "Observation", "subject.name=peter", obs)
		if out.Match {
			t.Error("unresolvable referent should not match")
		}
	})
}

func TestEvaluatorIgnoredParameters(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewEvaluator(nil)
	patient := mustResource(t, evalPatientJSON)

	t.Run("unknown parameter does not fail the match", func(t *testing.T) {
		out := evalMatch(t, e, reg, "Patient", "gender=male&favorite-color=blue", patient)
		if !out.Match {
			t.Error("match should succeed on the applied parameter")
		}
		if len(out.Ignored) != 1 || out.Ignored[0] != "favorite-color" {
			t.Errorf("ignored = %v, want [favorite-color]", out.Ignored)
		}
		if len(out.Applied) != 1 || out.Applied[0] != "gender" {
			t.Errorf("applied = %v, want [gender]", out.Applied)
		}
	})

	t.Run("_has is reported ignored", func(t *testing.T) {
		out := evalMatch(t, e, reg, "Patient", "_has:Observation:subject:code=8480-6", patient)
		if !out.Match {
			t.Error("ignored-only query should match everything")
		}
		if len(out.Ignored) != 1 {
			t.Errorf("ignored = %v", out.Ignored)
		}
	})
}

func TestEvaluatorNumberPrefixes(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&Definition{
		Name: "probability", Type: TypeNumber,
		Expression: "RiskAssessment.prediction.probability",
		Base:       []string{"RiskAssessment"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	e := NewEvaluator(nil)
	risk := mustResource(t, `{
		"resourceType": "RiskAssessment",
		"id": "r1",
		"prediction": [{"probability": 0.8}]
	}`)

	tests := []struct {
		query string
		match bool
	}{
		{"probability=0.8", true},
		{"probability=0.80", true},
		{"probability=gt0.5", true},
		{"probability=lt0.5", false},
		{"probability=ap0.75", true},
		{"probability=ap0.5", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			out := evalMatch(t, e, reg, "RiskAssessment", tt.query, risk)
			if out.Match != tt.match {
				t.Errorf("match = %v, want %v", out.Match, tt.match)
			}
		})
	}
}

func TestEvaluatorURIParameter(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewEvaluator(nil)
	sub := mustResource(t, `{
		"resourceType": "Subscription",
		"id": "s1",
		"status": "active",
		"topic": "http://example.org/topics/patient-admission"
	}`)

	tests := []struct {
		query string
		match bool
	}{
		{"topic=http://example.org/topics/patient-admission", true},
		{"topic=http://example.org/topics", false},
		{"topic:below=http://example.org/topics", true},
		{"topic:above=http://example.org/topics/patient-admission/v2", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			out := evalMatch(t, e, reg, "Subscription", tt.query, sub)
			if out.Match != tt.match {
				t.Errorf("match = %v, want %v", out.Match, tt.match)
			}
		})
	}
}
