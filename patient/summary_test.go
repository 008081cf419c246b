package patient_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/jrsteele09/go-smart-fhir-app/patient"
	"github.com/jrsteele09/go-smart-fhir-app/sessions/clientfake"
	"github.com/stretchr/testify/require"
)

const rxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"

// fakeResources serves a clientfake.FHIR for one patient and records searches.
type fakeResources struct {
	patientID string
	fhir      *clientfake.FHIR

	mu       sync.Mutex
	searches map[string]url.Values
}

func newFakeResources(patientID string) *fakeResources {
	return &fakeResources{patientID: patientID, fhir: clientfake.NewFHIR(), searches: map[string]url.Values{}}
}

func (f *fakeResources) PatientID() string { return f.patientID }

func (f *fakeResources) Read(_ context.Context, resourceType, id string) ([]byte, error) {
	return f.fhir.Read(resourceType, id)
}

func (f *fakeResources) Search(_ context.Context, resourceType string, params url.Values) ([][]byte, error) {
	f.mu.Lock()
	f.searches[resourceType] = params
	f.mu.Unlock()
	return f.fhir.Search(resourceType)
}

func (f *fakeResources) Create(_ context.Context, resourceType string, body []byte) ([]byte, error) {
	return f.fhir.Create(resourceType, body)
}

func (f *fakeResources) Update(_ context.Context, resourceType, id string, body []byte) ([]byte, error) {
	return f.fhir.Put(resourceType, id, body)
}

func (f *fakeResources) put(t *testing.T, resourceType, id, body string) {
	t.Helper()
	_, err := f.fhir.Put(resourceType, id, []byte(body))
	require.NoError(t, err)
}

func seedChart(t *testing.T, r *fakeResources) {
	t.Helper()
	r.put(t, "Patient", "patient-1", `{"resourceType":"Patient","id":"patient-1",
		"name":[{"given":["Jason"],"family":"Argonaut"}],"gender":"male","birthDate":"1985-08-01",
		"address":[{"line":["1979 Milky Way"],"city":"Verona","state":"WI","postalCode":"53593"}],
		"telecom":[{"system":"email","value":"jason@example.com"},{"system":"phone","value":"608-555-5555"}]}`)

	r.put(t, "MedicationRequest", "rx-1", `{"status":"active","medicationCodeableConcept":
		{"coding":[{"system":"`+rxNorm+`","display":"Ibuprofen 200 MG"}],"text":"ibuprofen"}}`)
	r.put(t, "MedicationRequest", "rx-2", `{"status":"stopped","medicationReference":{"reference":"Medication/med-1"}}`)
	r.put(t, "MedicationRequest", "rx-3", `{}`)
	r.put(t, "MedicationRequest", "rx-4", `{"status":"active","medicationReference":{"reference":"Medication/med-1"}}`)
	r.put(t, "Medication", "med-1", `{"code":{"text":"Amoxicillin"}}`)

	r.put(t, "Condition", "cond-1", `{"code":{"text":"Asthma"},"clinicalStatus":{"coding":[{"code":"active"}]},
		"onsetDateTime":"2019-04-02T00:00:00Z"}`)
	r.put(t, "AllergyIntolerance", "allergy-1", `{"code":{"text":"Peanut"},"criticality":"high"}`)
	r.put(t, "Procedure", "proc-1", `{"code":{"text":"Appendectomy"}}`)

	for i := 1; i <= 12; i++ {
		r.put(t, "Observation", fmt.Sprintf("obs-%02d", i),
			`{"code":{"coding":[{"display":"Heart rate"}]},"valueQuantity":{"value":72,"unit":"/min"},"effectiveDateTime":"2026-01-05"}`)
	}
}

func TestSummary(t *testing.T) {
	r := newFakeResources("patient-1")
	seedChart(t, r)

	summary, err := patient.NewService().Summary(context.Background(), r)
	require.NoError(t, err)

	require.Equal(t, "patient-1", summary.PatientID)
	require.Equal(t, patient.Demographics{
		Name:      "Jason Argonaut",
		Gender:    "male",
		BirthDate: "August 01, 1985",
		Address:   "1979 Milky Way, Verona, WI, 53593",
		Phone:     "608-555-5555",
	}, summary.Demographics)

	require.Equal(t, []patient.Medication{
		{Name: "Ibuprofen 200 MG", Status: "active"},
		{Name: "Amoxicillin", Status: "stopped"},
		{Name: "Error: medication not found", Status: "Unknown status"},
		{Name: "Amoxicillin", Status: "active"},
	}, summary.Medications)

	require.Equal(t, []string{"Asthma (Status: active, Onset: April 02, 2019)"}, summary.Conditions)
	require.Equal(t, []string{"Peanut (Severity: high)"}, summary.Allergies)
	require.Equal(t, []string{"Appendectomy (Unknown)"}, summary.Procedures)

	require.Len(t, summary.Observations, 10)
	require.Equal(t, "Heart rate: 72 /min (January 05, 2026)", summary.Observations[0])

	require.Equal(t, "patient-1", r.searches["Condition"].Get("patient"))
	require.Equal(t, "50", r.searches["Observation"].Get("_count"))
}

func TestSummary_FailedSearchLeavesListEmpty(t *testing.T) {
	r := newFakeResources("patient-1")
	seedChart(t, r)
	r.fhir.Errors["Condition"] = errors.New("condition search unavailable")
	r.fhir.Errors["Patient"] = errors.New("patient read unavailable")

	summary, err := patient.NewService().Summary(context.Background(), r)
	require.NoError(t, err)

	require.Empty(t, summary.Conditions)
	require.NotNil(t, summary.Conditions)
	require.Len(t, summary.Allergies, 1)
	require.Equal(t, patient.Demographics{
		Name:      "Unknown",
		Gender:    "Unknown",
		BirthDate: "Unknown",
		Address:   "Not available",
		Phone:     "Not available",
	}, summary.Demographics)
}

func TestSummary_MedicationNames(t *testing.T) {
	r := newFakeResources("patient-1")
	r.put(t, "MedicationRequest", "rx-1", `{"status":"active","medicationCodeableConcept":{"text":"Lisinopril"}}`)
	r.put(t, "MedicationRequest", "rx-2", `{"status":"active","medicationCodeableConcept":{"coding":[{"code":"x"}]}}`)
	r.put(t, "MedicationRequest", "rx-3", `{"status":"active","medicationReference":{"reference":"Medication/missing"}}`)
	r.put(t, "MedicationRequest", "rx-4", `{"status":"active","medicationReference":{"reference":"Medication/"}}`)

	summary, err := patient.NewService().Summary(context.Background(), r)
	require.NoError(t, err)

	names := make([]string, 0, len(summary.Medications))
	for _, m := range summary.Medications {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"Lisinopril", "Unnamed Medication", "Unknown Medication", "Unknown Medication"}, names)
}

func TestSummary_NoPatient(t *testing.T) {
	_, err := patient.NewService().Summary(context.Background(), newFakeResources(""))
	require.ErrorIs(t, err, patient.ErrNoPatient)
}
