package search

import (
	"testing"

	"github.com/shopspring/decimal"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func TestParseSimpleParameters(t *testing.T) {
	reg := newTestRegistry(t)

	params, opts, err := Parse("Patient", "name=peter&gender=male&_count=10&_offset=20", reg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("got %d filter params, want 2", len(params))
	}
	if params[0].Name != "name" || params[0].Type != TypeString {
		t.Errorf("param 0 = %s (%s), want name (string)", params[0].Name, params[0].Type)
	}
	if params[1].Tokens[0].Code != "male" || params[1].Tokens[0].SystemSpecified {
		t.Errorf("gender token = %+v, want bare code male", params[1].Tokens[0])
	}
	if opts.Count != 10 || opts.Offset != 20 {
		t.Errorf("count/offset = %d/%d, want 10/20", opts.Count, opts.Offset)
	}
}

func TestParsePrefixes(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		query  string
		prefix Prefix
		value  string
	}{
		{"birthdate=1982-05-17", PrefixEq, "1982-05-17"},
		{"birthdate=ge1982", PrefixGe, "1982"},
		{"birthdate=lt2000-01-01", PrefixLt, "2000-01-01"},
		{"birthdate=sa1990", PrefixSa, "1990"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			params, _, err := Parse("Patient", tt.query, reg)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			p := params[0]
			if p.Prefixes[0] != tt.prefix {
				t.Errorf("prefix = %s, want %s", p.Prefixes[0], tt.prefix)
			}
			if p.Values[0] != tt.value {
				t.Errorf("value = %q, want %q", p.Values[0], tt.value)
			}
		})
	}
}

func TestParseTokenValues(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		value           string
		system, code    string
		systemSpecified bool
	}{
		{"male", "", "male", false},
		{"http://loinc.org|1234-5", "http://loinc.org", "1234-5", true},
		{"|no-system", "", "no-system", true},
		{"http://loinc.org|", "http://loinc.org", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			params, _, err := Parse("Patient", "identifier="+tt.value, reg)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tok := params[0].Tokens[0]
			if tok.System != tt.system || tok.Code != tt.code || tok.SystemSpecified != tt.systemSpecified {
				t.Errorf("token = %+v, want {%s %s %v}", tok, tt.system, tt.code, tt.systemSpecified)
			}
		})
	}
}

func TestParseReferenceValues(t *testing.T) {
	tests := []struct {
		value string
		want  SegmentedReference
	}{
		{"Patient/23", SegmentedReference{ResourceType: "Patient", ID: "23"}},
		{"23", SegmentedReference{ID: "23"}},
		{"Patient/23/_history/4", SegmentedReference{ResourceType: "Patient", ID: "23", Version: "4"}},
		{"urn:uuid:3b0e3f48", SegmentedReference{URL: "urn:uuid:3b0e3f48"}},
		{
			"http://example.org/fhir/Patient/23",
			SegmentedReference{URL: "http://example.org/fhir/Patient/23", ResourceType: "Patient", ID: "23"},
		},
		{
			"http://example.org/fhir/ValueSet/vs|2.1",
			SegmentedReference{URL: "http://example.org/fhir/ValueSet/vs", ResourceType: "ValueSet", ID: "vs", CanonicalVersion: "2.1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got := ParseReference(tt.value)
			if got != tt.want {
				t.Errorf("ParseReference(%q) = %+v, want %+v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseModifiers(t *testing.T) {
	reg := newTestRegistry(t)

	t.Run("valid modifier", func(t *testing.T) {
		params, _, err := Parse("Patient", "name:exact=Peter", reg)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if params[0].Modifier != ModifierExact || params[0].Ignored {
			t.Errorf("got modifier %q ignored=%v, want exact applied", params[0].Modifier, params[0].Ignored)
		}
	})

	t.Run("invalid modifier is ignored not rejected", func(t *testing.T) {
		params, _, err := Parse("Patient", "birthdate:exact=1982", reg)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !params[0].Ignored {
			t.Error("date parameter with :exact should be ignored")
		}
	})

	t.Run("type modifier on reference", func(t *testing.T) {
		params, _, err := Parse("Observation", "subject:Patient=23", reg)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if params[0].Modifier != ModifierType || params[0].ModifierLiteral != "Patient" {
			t.Errorf("got %q/%q, want type/Patient", params[0].Modifier, params[0].ModifierLiteral)
		}
	})

	t.Run("missing modifier parses booleans", func(t *testing.T) {
		params, _, err := Parse("Patient", "name:missing=true", reg)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if params[0].Modifier != ModifierMissing || len(params[0].Bools) != 1 || !params[0].Bools[0] {
			t.Errorf("missing modifier not parsed: %+v", params[0])
		}
	})
}

func TestParseUnknownParameter(t *testing.T) {
	reg := newTestRegistry(t)

	params, _, err := Parse("Patient", "favorite-color=blue", reg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !params[0].Ignored {
		t.Error("unknown parameter should be marked ignored")
	}
	if params[0].Name != "favorite-color" {
		t.Errorf("name = %q, want favorite-color", params[0].Name)
	}
}

func TestParseChainedParameter(t *testing.T) {
	reg := newTestRegistry(t)

	t.Run("implicit target", func(t *testing.T) {
		params, _, err := Parse("Observation", "subject.name=peter", reg)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		p := params[0]
		if p.Ignored {
			t.Fatalf("chained parameter ignored: %s", p.IgnoredReason)
		}
		child, ok := p.Chained["Patient"]
		if !ok {
			t.Fatal("no child parameter for Patient target")
		}
		if child.Name != "name" || child.Type != TypeString {
			t.Errorf("child = %s (%s), want name (string)", child.Name, child.Type)
		}
	})

	t.Run("explicit target restriction", func(t *testing.T) {
		params, _, err := Parse("Observation", "subject:Patient.birthdate=ge1982", reg)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		p := params[0]
		if len(p.Chained) != 1 {
			t.Fatalf("got %d chain targets, want 1", len(p.Chained))
		}
		if _, ok := p.Chained["Patient"]; !ok {
			t.Error("expected Patient child")
		}
	})

	t.Run("non-reference root is ignored", func(t *testing.T) {
		params, _, err := Parse("Patient", "name.family=smith", reg)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !params[0].Ignored {
			t.Error("chain through a string parameter should be ignored")
		}
	})
}

func TestParseReverseChain(t *testing.T) {
	reg := newTestRegistry(t)

	params, _, err := Parse("Patient", "_has:Observation:subject:code=1234-5", reg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := params[0]
	if !p.Ignored {
		t.Error("_has should be parsed but ignored")
	}
	rc := p.ReverseChain
	if rc == nil {
		t.Fatal("reverse chain not parsed structurally")
	}
	if rc.TargetType != "Observation" || rc.ReferenceParam != "subject" || rc.NextKey != "code" {
		t.Errorf("reverse chain = %+v", rc)
	}
}

func TestParseComposite(t *testing.T) {
	reg := newTestRegistry(t)

	params, _, err := Parse("Observation", "code-value-quantity=http://loinc.org|8480-6$gt100", reg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := params[0]
	if p.Ignored {
		t.Fatalf("composite ignored: %s", p.IgnoredReason)
	}
	if len(p.Components) != 2 {
		t.Fatalf("got %d components, want 2", len(p.Components))
	}
	code := p.Components[0].Parsed
	if code.Tokens[0].System != "http://loinc.org" || code.Tokens[0].Code != "8480-6" {
		t.Errorf("code component = %+v", code.Tokens[0])
	}
	value := p.Components[1].Parsed
	if value.Prefixes[0] != PrefixGt || !value.Quantities[0].Value.Equal(decimal.NewFromInt(100)) {
		t.Errorf("value component = prefix %s value %s", value.Prefixes[0], value.Quantities[0].Value)
	}

	t.Run("component count mismatch", func(t *testing.T) {
		params, _, err := Parse("Observation", "code-value-quantity=8480-6", reg)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !params[0].Ignored {
			t.Error("one component for a two-component composite should be ignored")
		}
	})
}

func TestParseResultParameters(t *testing.T) {
	reg := newTestRegistry(t)

	_, opts, err := Parse("Patient",
		"_sort=-_lastUpdated,name&_include=Observation:subject&_revinclude:iterate=Observation:subject:Patient&_summary=count", reg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(opts.Sort) != 2 || opts.Sort[0] != "-_lastUpdated" {
		t.Errorf("sort = %v", opts.Sort)
	}
	if len(opts.Includes) != 1 || opts.Includes[0].Param != "subject" {
		t.Errorf("includes = %+v", opts.Includes)
	}
	if len(opts.RevIncludes) != 1 || !opts.RevIncludes[0].Iterate || opts.RevIncludes[0].TargetType != "Patient" {
		t.Errorf("revincludes = %+v", opts.RevIncludes)
	}
	if opts.Summary != "count" {
		t.Errorf("summary = %q", opts.Summary)
	}
}

func TestSplitValuesEscaping(t *testing.T) {
	got := splitValues(`a,b\,c,d`)
	want := []string{"a", "b,c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDateRangePrecision(t *testing.T) {
	tests := []struct {
		value string
		start string
		end   string
	}{
		{"1982", "1982-01-01T00:00:00Z", "1983-01-01T00:00:00Z"},
		{"1982-05", "1982-05-01T00:00:00Z", "1982-06-01T00:00:00Z"},
		{"1982-05-17", "1982-05-17T00:00:00Z", "1982-05-18T00:00:00Z"},
		{"1982-05-17T10:30", "1982-05-17T10:30:00Z", "1982-05-17T10:31:00Z"},
		{"1982-05-17T10:30:45Z", "1982-05-17T10:30:45Z", "1982-05-17T10:30:46Z"},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			r, err := ParseDateRange(tt.value)
			if err != nil {
				t.Fatalf("ParseDateRange: %v", err)
			}
			if got := r.Start.UTC().Format("2006-01-02T15:04:05Z"); got != tt.start {
				t.Errorf("start = %s, want %s", got, tt.start)
			}
			if got := r.End.UTC().Format("2006-01-02T15:04:05Z"); got != tt.end {
				t.Errorf("end = %s, want %s", got, tt.end)
			}
		})
	}

	if _, err := ParseDateRange("not-a-date"); err == nil {
		t.Error("expected error for malformed date")
	}
}
