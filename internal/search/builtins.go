package search

// builtinDefinitions is the seed set of search parameters from the FHIR core
// specification for the resource types the server is commonly exercised
// with. Additional parameters arrive at runtime as SearchParameter resources.
var builtinDefinitions = []*Definition{
	// Patient
	{Name: "active", Type: TypeToken, Expression: "Patient.active", Base: []string{"Patient"}},
	{Name: "address", Type: TypeString, Expression: "Patient.address", Base: []string{"Patient"}},
	{Name: "address-city", Type: TypeString, Expression: "Patient.address.city", Base: []string{"Patient"}},
	{Name: "address-postalcode", Type: TypeString, Expression: "Patient.address.postalCode", Base: []string{"Patient"}},
	{Name: "birthdate", Type: TypeDate, Expression: "Patient.birthDate", Base: []string{"Patient"}},
	{Name: "death-date", Type: TypeDate, Expression: "(Patient.deceased as dateTime)", Base: []string{"Patient"}},
	{Name: "deceased", Type: TypeToken, Expression: "Patient.deceased.exists() and Patient.deceased != false", Base: []string{"Patient"}},
	{Name: "email", Type: TypeToken, Expression: "Patient.telecom.where(system = 'email')", Base: []string{"Patient"}},
	{Name: "family", Type: TypeString, Expression: "Patient.name.family", Base: []string{"Patient"}},
	{Name: "gender", Type: TypeToken, Expression: "Patient.gender", Base: []string{"Patient"}},
	{Name: "general-practitioner", Type: TypeReference, Expression: "Patient.generalPractitioner", Base: []string{"Patient"}, Targets: []string{"Practitioner", "PractitionerRole", "Organization"}},
	{Name: "given", Type: TypeString, Expression: "Patient.name.given", Base: []string{"Patient"}},
	{Name: "identifier", Type: TypeToken, Expression: "Patient.identifier", Base: []string{"Patient"}},
	{Name: "name", Type: TypeString, Expression: "Patient.name", Base: []string{"Patient"}},
	{Name: "phone", Type: TypeToken, Expression: "Patient.telecom.where(system = 'phone')", Base: []string{"Patient"}},
	{Name: "telecom", Type: TypeToken, Expression: "Patient.telecom", Base: []string{"Patient"}},

	// Observation
	{Name: "category", Type: TypeToken, Expression: "Observation.category", Base: []string{"Observation"}},
	{Name: "code", Type: TypeToken, Expression: "Observation.code", Base: []string{"Observation"}},
	{Name: "date", Type: TypeDate, Expression: "Observation.effective", Base: []string{"Observation"}},
	{Name: "encounter", Type: TypeReference, Expression: "Observation.encounter", Base: []string{"Observation"}, Targets: []string{"Encounter"}},
	{Name: "identifier", Type: TypeToken, Expression: "Observation.identifier", Base: []string{"Observation"}},
	{Name: "patient", Type: TypeReference, Expression: "Observation.subject.where(resolve() is Patient)", Base: []string{"Observation"}, Targets: []string{"Patient"}},
	{Name: "performer", Type: TypeReference, Expression: "Observation.performer", Base: []string{"Observation"}, Targets: []string{"Practitioner", "PractitionerRole", "Organization", "Patient"}},
	{Name: "status", Type: TypeToken, Expression: "Observation.status", Base: []string{"Observation"}},
	{Name: "subject", Type: TypeReference, Expression: "Observation.subject", Base: []string{"Observation"}, Targets: []string{"Patient", "Group", "Device", "Location"}},
	{Name: "value-concept", Type: TypeToken, Expression: "Observation.value.ofType(CodeableConcept)", Base: []string{"Observation"}},
	{Name: "value-date", Type: TypeDate, Expression: "Observation.value.ofType(dateTime) | Observation.value.ofType(Period)", Base: []string{"Observation"}},
	{Name: "value-quantity", Type: TypeQuantity, Expression: "Observation.value.ofType(Quantity)", Base: []string{"Observation"}},
	{Name: "value-string", Type: TypeString, Expression: "Observation.value.ofType(string)", Base: []string{"Observation"}},
	{Name: "code-value-quantity", Type: TypeComposite, Expression: "Observation", Base: []string{"Observation"}, Components: []Component{
		{Definition: "code", Expression: "code"},
		{Definition: "value-quantity", Expression: "value.ofType(Quantity)"},
	}},

	// Encounter
	{Name: "class", Type: TypeToken, Expression: "Encounter.class", Base: []string{"Encounter"}},
	{Name: "date", Type: TypeDate, Expression: "Encounter.period", Base: []string{"Encounter"}},
	{Name: "identifier", Type: TypeToken, Expression: "Encounter.identifier", Base: []string{"Encounter"}},
	{Name: "patient", Type: TypeReference, Expression: "Encounter.subject.where(resolve() is Patient)", Base: []string{"Encounter"}, Targets: []string{"Patient"}},
	{Name: "status", Type: TypeToken, Expression: "Encounter.status", Base: []string{"Encounter"}},
	{Name: "subject", Type: TypeReference, Expression: "Encounter.subject", Base: []string{"Encounter"}, Targets: []string{"Patient", "Group"}},

	// Condition
	{Name: "clinical-status", Type: TypeToken, Expression: "Condition.clinicalStatus", Base: []string{"Condition"}},
	{Name: "code", Type: TypeToken, Expression: "Condition.code", Base: []string{"Condition"}},
	{Name: "onset-date", Type: TypeDate, Expression: "Condition.onset.ofType(dateTime) | Condition.onset.ofType(Period)", Base: []string{"Condition"}},
	{Name: "patient", Type: TypeReference, Expression: "Condition.subject.where(resolve() is Patient)", Base: []string{"Condition"}, Targets: []string{"Patient"}},
	{Name: "subject", Type: TypeReference, Expression: "Condition.subject", Base: []string{"Condition"}, Targets: []string{"Patient", "Group"}},

	// Practitioner
	{Name: "active", Type: TypeToken, Expression: "Practitioner.active", Base: []string{"Practitioner"}},
	{Name: "family", Type: TypeString, Expression: "Practitioner.name.family", Base: []string{"Practitioner"}},
	{Name: "given", Type: TypeString, Expression: "Practitioner.name.given", Base: []string{"Practitioner"}},
	{Name: "identifier", Type: TypeToken, Expression: "Practitioner.identifier", Base: []string{"Practitioner"}},
	{Name: "name", Type: TypeString, Expression: "Practitioner.name", Base: []string{"Practitioner"}},

	// Organization
	{Name: "active", Type: TypeToken, Expression: "Organization.active", Base: []string{"Organization"}},
	{Name: "identifier", Type: TypeToken, Expression: "Organization.identifier", Base: []string{"Organization"}},
	{Name: "name", Type: TypeString, Expression: "Organization.name", Base: []string{"Organization"}},

	// DiagnosticReport
	{Name: "code", Type: TypeToken, Expression: "DiagnosticReport.code", Base: []string{"DiagnosticReport"}},
	{Name: "date", Type: TypeDate, Expression: "DiagnosticReport.effective", Base: []string{"DiagnosticReport"}},
	{Name: "patient", Type: TypeReference, Expression: "DiagnosticReport.subject.where(resolve() is Patient)", Base: []string{"DiagnosticReport"}, Targets: []string{"Patient"}},
	{Name: "status", Type: TypeToken, Expression: "DiagnosticReport.status", Base: []string{"DiagnosticReport"}},
	{Name: "subject", Type: TypeReference, Expression: "DiagnosticReport.subject", Base: []string{"DiagnosticReport"}, Targets: []string{"Patient", "Group", "Device", "Location"}},

	// MedicationRequest
	{Name: "authoredon", Type: TypeDate, Expression: "MedicationRequest.authoredOn", Base: []string{"MedicationRequest"}},
	{Name: "intent", Type: TypeToken, Expression: "MedicationRequest.intent", Base: []string{"MedicationRequest"}},
	{Name: "patient", Type: TypeReference, Expression: "MedicationRequest.subject.where(resolve() is Patient)", Base: []string{"MedicationRequest"}, Targets: []string{"Patient"}},
	{Name: "status", Type: TypeToken, Expression: "MedicationRequest.status", Base: []string{"MedicationRequest"}},
	{Name: "subject", Type: TypeReference, Expression: "MedicationRequest.subject", Base: []string{"MedicationRequest"}, Targets: []string{"Patient", "Group"}},

	// AllergyIntolerance
	{Name: "clinical-status", Type: TypeToken, Expression: "AllergyIntolerance.clinicalStatus", Base: []string{"AllergyIntolerance"}},
	{Name: "code", Type: TypeToken, Expression: "AllergyIntolerance.code", Base: []string{"AllergyIntolerance"}},
	{Name: "patient", Type: TypeReference, Expression: "AllergyIntolerance.patient", Base: []string{"AllergyIntolerance"}, Targets: []string{"Patient"}},

	// Procedure
	{Name: "code", Type: TypeToken, Expression: "Procedure.code", Base: []string{"Procedure"}},
	{Name: "date", Type: TypeDate, Expression: "Procedure.performed.ofType(dateTime) | Procedure.performed.ofType(Period)", Base: []string{"Procedure"}},
	{Name: "patient", Type: TypeReference, Expression: "Procedure.subject.where(resolve() is Patient)", Base: []string{"Procedure"}, Targets: []string{"Patient"}},
	{Name: "status", Type: TypeToken, Expression: "Procedure.status", Base: []string{"Procedure"}},
	{Name: "subject", Type: TypeReference, Expression: "Procedure.subject", Base: []string{"Procedure"}, Targets: []string{"Patient", "Group"}},

	// Immunization
	{Name: "date", Type: TypeDate, Expression: "Immunization.occurrence.ofType(dateTime)", Base: []string{"Immunization"}},
	{Name: "patient", Type: TypeReference, Expression: "Immunization.patient", Base: []string{"Immunization"}, Targets: []string{"Patient"}},
	{Name: "status", Type: TypeToken, Expression: "Immunization.status", Base: []string{"Immunization"}},

	// SearchParameter
	{Name: "base", Type: TypeToken, Expression: "SearchParameter.base", Base: []string{"SearchParameter"}},
	{Name: "code", Type: TypeToken, Expression: "SearchParameter.code", Base: []string{"SearchParameter"}},
	{Name: "type", Type: TypeToken, Expression: "SearchParameter.type", Base: []string{"SearchParameter"}},
	{Name: "url", Type: TypeURI, Expression: "SearchParameter.url", Base: []string{"SearchParameter"}},

	// Subscription / SubscriptionTopic
	{Name: "status", Type: TypeToken, Expression: "Subscription.status", Base: []string{"Subscription"}},
	{Name: "topic", Type: TypeURI, Expression: "Subscription.topic", Base: []string{"Subscription"}},
	{Name: "url", Type: TypeURI, Expression: "Subscription.channel.endpoint", Base: []string{"Subscription"}},
	{Name: "status", Type: TypeToken, Expression: "SubscriptionTopic.status", Base: []string{"SubscriptionTopic"}},
	{Name: "url", Type: TypeURI, Expression: "SubscriptionTopic.url", Base: []string{"SubscriptionTopic"}},
}

// RegisterBuiltins seeds a registry with the core specification parameters.
func RegisterBuiltins(r *Registry) {
	for _, def := range builtinDefinitions {
		d := *def
		// Seed definitions are static; compile failures here are programming
		// errors surfaced at startup.
		if err := r.Register(&d); err != nil {
			panic(err)
		}
	}
}
