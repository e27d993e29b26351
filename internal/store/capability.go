package store

import (
	"sort"
	"time"
)

// fhirVersionNumber maps a tenant FHIR release to the version string
// published in the capability statement.
func fhirVersionNumber(release string) string {
	switch release {
	case "R4":
		return "4.0.1"
	case "R4B":
		return "4.3.0"
	case "R5":
		return "5.0.0"
	}
	return "4.0.1"
}

// r4Types is the R4 resource type set. R4B and R5 are derived from it below.
var r4Types = []string{
	"Account", "ActivityDefinition", "AdverseEvent", "AllergyIntolerance",
	"Appointment", "AppointmentResponse", "AuditEvent", "Basic", "Binary",
	"BiologicallyDerivedProduct", "BodyStructure", "Bundle",
	"CapabilityStatement", "CarePlan", "CareTeam", "CatalogEntry",
	"ChargeItem", "ChargeItemDefinition", "Claim", "ClaimResponse",
	"ClinicalImpression", "CodeSystem", "Communication",
	"CommunicationRequest", "CompartmentDefinition", "Composition",
	"ConceptMap", "Condition", "Consent", "Contract", "Coverage",
	"CoverageEligibilityRequest", "CoverageEligibilityResponse",
	"DetectedIssue", "Device", "DeviceDefinition", "DeviceMetric",
	"DeviceRequest", "DeviceUseStatement", "DiagnosticReport",
	"DocumentManifest", "DocumentReference", "EffectEvidenceSynthesis",
	"Encounter", "Endpoint", "EnrollmentRequest", "EnrollmentResponse",
	"EpisodeOfCare", "EventDefinition", "Evidence", "EvidenceVariable",
	"ExampleScenario", "ExplanationOfBenefit", "FamilyMemberHistory", "Flag",
	"Goal", "GraphDefinition", "Group", "GuidanceResponse",
	"HealthcareService", "ImagingStudy", "Immunization",
	"ImmunizationEvaluation", "ImmunizationRecommendation",
	"ImplementationGuide", "InsurancePlan", "Invoice", "Library", "Linkage",
	"List", "Location", "Measure", "MeasureReport", "Media", "Medication",
	"MedicationAdministration", "MedicationDispense", "MedicationKnowledge",
	"MedicationRequest", "MedicationStatement", "MedicinalProduct",
	"MedicinalProductAuthorization", "MedicinalProductContraindication",
	"MedicinalProductIndication", "MedicinalProductIngredient",
	"MedicinalProductInteraction", "MedicinalProductManufactured",
	"MedicinalProductPackaged", "MedicinalProductPharmaceutical",
	"MedicinalProductUndesirableEffect", "MessageDefinition", "MessageHeader",
	"MolecularSequence", "NamingSystem", "NutritionOrder", "Observation",
	"ObservationDefinition", "OperationDefinition", "OperationOutcome",
	"Organization", "OrganizationAffiliation", "Parameters", "Patient",
	"PaymentNotice", "PaymentReconciliation", "Person", "PlanDefinition",
	"Practitioner", "PractitionerRole", "Procedure", "Provenance",
	"Questionnaire", "QuestionnaireResponse", "RelatedPerson", "RequestGroup",
	"ResearchDefinition", "ResearchElementDefinition", "ResearchStudy",
	"ResearchSubject", "RiskAssessment", "RiskEvidenceSynthesis", "Schedule",
	"SearchParameter", "ServiceRequest", "Slot", "Specimen",
	"SpecimenDefinition", "StructureDefinition", "StructureMap",
	"Subscription", "Substance", "SubstanceNucleicAcid", "SubstancePolymer",
	"SubstanceProtein", "SubstanceReferenceInformation",
	"SubstanceSourceMaterial", "SubstanceSpecification", "SupplyDelivery",
	"SupplyRequest", "Task", "TerminologyCapabilities", "TestReport",
	"TestScript", "ValueSet", "VerificationResult", "VisionPrescription",
}

var r4bRemoved = []string{
	"EffectEvidenceSynthesis", "MedicinalProduct",
	"MedicinalProductAuthorization", "MedicinalProductContraindication",
	"MedicinalProductIndication", "MedicinalProductIngredient",
	"MedicinalProductInteraction", "MedicinalProductManufactured",
	"MedicinalProductPackaged", "MedicinalProductPharmaceutical",
	"MedicinalProductUndesirableEffect", "RiskEvidenceSynthesis",
	"SubstanceSpecification",
}

var r4bAdded = []string{
	"AdministrableProductDefinition", "Citation", "ClinicalUseDefinition",
	"EvidenceReport", "Ingredient", "ManufacturedItemDefinition",
	"MedicinalProductDefinition", "NutritionProduct",
	"PackagedProductDefinition", "RegulatedAuthorization",
	"SubscriptionStatus", "SubscriptionTopic", "SubstanceDefinition",
}

var r5Removed = []string{
	"CatalogEntry", "DeviceUseStatement", "DocumentManifest", "Media",
	"RequestGroup", "ResearchDefinition", "ResearchElementDefinition",
}

var r5Added = []string{
	"ActorDefinition", "ArtifactAssessment",
	"BiologicallyDerivedProductDispense", "ConditionDefinition",
	"DeviceAssociation", "DeviceDispense", "DeviceUsage", "EncounterHistory",
	"FormularyItem", "GenomicStudy", "ImagingSelection", "InventoryItem",
	"InventoryReport", "NutritionIntake", "Permission",
	"RequestOrchestration", "Requirements", "TestPlan", "Transport",
}

func applyDelta(base, removed, added []string) []string {
	drop := make(map[string]bool, len(removed))
	for _, t := range removed {
		drop[t] = true
	}
	out := make([]string, 0, len(base)+len(added))
	for _, t := range base {
		if !drop[t] {
			out = append(out, t)
		}
	}
	out = append(out, added...)
	sort.Strings(out)
	return out
}

var (
	r4bTypes = applyDelta(r4Types, r4bRemoved, r4bAdded)
	r5Types  = applyDelta(r4bTypes, r5Removed, r5Added)
)

// ResourceTypesForVersion is the default enabled type set for a FHIR release.
func ResourceTypesForVersion(release string) []string {
	switch release {
	case "R5":
		return r5Types
	case "R4B":
		return r4bTypes
	default:
		return r4Types
	}
}

var instanceInteractions = []string{
	"read", "vread", "update", "patch", "delete", "create", "search-type",
}

// buildCapability assembles the tenant's CapabilityStatement from its
// configuration and the current search parameter registry. Callers cache the
// result against the capability revision.
func (s *Store) buildCapability() map[string]interface{} {
	types := make([]string, len(s.enabledTypes))
	copy(types, s.enabledTypes)
	sort.Strings(types)

	resources := make([]interface{}, 0, len(types))
	for _, t := range types {
		interactions := make([]interface{}, 0, len(instanceInteractions))
		for _, code := range instanceInteractions {
			interactions = append(interactions, map[string]interface{}{"code": code})
		}
		var searchParams []interface{}
		for _, def := range s.registry.ParamsFor(t) {
			sp := map[string]interface{}{
				"name": def.Name,
				"type": string(def.Type),
			}
			if def.URL != "" {
				sp["definition"] = def.URL
			}
			searchParams = append(searchParams, sp)
		}
		resources = append(resources, map[string]interface{}{
			"type":        t,
			"versioning":  "versioned",
			"interaction": interactions,
			"searchParam": searchParams,
		})
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"id":           "capability",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"software": map[string]interface{}{
			"name": "fhirlite",
		},
		"implementation": map[string]interface{}{
			"description": "fhirlite in-memory FHIR server, tenant " + s.tenant.Route,
			"url":         s.tenant.BaseURL,
		},
		"fhirVersion": fhirVersionNumber(s.tenant.FHIRVersion),
		"format":      []interface{}{"application/fhir+json"},
		"rest": []interface{}{
			map[string]interface{}{
				"mode": "server",
				"interaction": []interface{}{
					map[string]interface{}{"code": "transaction"},
					map[string]interface{}{"code": "batch"},
					map[string]interface{}{"code": "search-system"},
				},
				"resource": resources,
			},
		},
	}
}
