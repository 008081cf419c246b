package patient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	summaryObservations = 10
	observationCount    = "50"
	rxNormSystem        = "http://www.nlm.nih.gov/research/umls/rxnorm"
	unknown             = "Unknown"
	notAvailable        = "Not available"
)

type Demographics struct {
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birth_date"`
	Address   string `json:"address"`
	Phone     string `json:"phone"`
}

type Medication struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Summary is the patient overview handed to the client application.
type Summary struct {
	PatientID    string       `json:"patient_id"`
	Demographics Demographics `json:"demographics"`
	Medications  []Medication `json:"medications"`
	Conditions   []string     `json:"conditions"`
	Allergies    []string     `json:"allergies"`
	Observations []string     `json:"observations"`
	Procedures   []string     `json:"procedures"`
}

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

type Service struct {
	parallelism int
}

func NewService() *Service {
	return &Service{parallelism: 4}
}

// Summary fetches demographics and the clinical lists of the launch patient. A failed
// search leaves its list empty rather than failing the summary.
func (s *Service) Summary(ctx context.Context, r Resources) (*Summary, error) {
	patientID := r.PatientID()
	if patientID == "" {
		return nil, ErrNoPatient
	}

	var patient []byte
	var prescriptions, conditions, observations, allergies, procedures [][]byte

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	g.Go(func() error {
		var err error
		if patient, err = r.Read(gctx, "Patient", patientID); err != nil {
			log.Err(err).Str("patient_id", patientID).Msg("Error getting patient demographics")
		}
		return nil
	})
	search := func(resourceType string, params url.Values, out *[][]byte) {
		g.Go(func() error {
			*out = s.search(gctx, r, resourceType, params)
			return nil
		})
	}
	search("MedicationRequest", url.Values{"patient": {patientID}}, &prescriptions)
	search("Condition", url.Values{"patient": {patientID}}, &conditions)
	search("Observation", url.Values{"patient": {patientID}, "_count": {observationCount}}, &observations)
	search("AllergyIntolerance", url.Values{"patient": {patientID}}, &allergies)
	search("Procedure", url.Values{"patient": {patientID}}, &procedures)
	_ = g.Wait()

	summary := &Summary{
		PatientID:    patientID,
		Demographics: demographics(patient),
		Medications:  s.medications(ctx, r, prescriptions),
		Conditions:   mapResources(conditions, formatCondition),
		Allergies:    mapResources(allergies, formatAllergy),
		Procedures:   mapResources(procedures, formatProcedure),
	}
	if len(observations) > summaryObservations {
		observations = observations[:summaryObservations]
	}
	summary.Observations = mapResources(observations, formatObservation)
	return summary, nil
}

func (s *Service) search(ctx context.Context, r Resources, resourceType string, params url.Values) [][]byte {
	resources, err := r.Search(ctx, resourceType, params)
	if err != nil {
		log.Err(err).Str("resource", resourceType).Msg("FHIR search failed")
		return nil
	}
	return resources
}

// medications resolves each prescription to a display name, reading referenced
// Medication resources once each.
func (s *Service) medications(ctx context.Context, r Resources, prescriptions [][]byte) []Medication {
	resolved := map[string]string{}
	meds := make([]Medication, 0, len(prescriptions))
	for _, raw := range prescriptions {
		rx := gjson.ParseBytes(raw)
		med := Medication{Status: orDefault(rx.Get("status").String(), "Unknown status")}

		switch {
		case rx.Get("medicationCodeableConcept").Exists():
			med.Name = medicationName(rx.Get("medicationCodeableConcept"))
		case rx.Get("medicationReference.reference").Exists():
			ref := rx.Get("medicationReference.reference").String()
			name, ok := resolved[ref]
			if !ok {
				name = s.referencedMedication(ctx, r, ref)
				resolved[ref] = name
			}
			med.Name = name
		default:
			med.Name = "Error: medication not found"
		}
		meds = append(meds, med)
	}
	return meds
}

func (s *Service) referencedMedication(ctx context.Context, r Resources, ref string) string {
	parts := strings.Split(ref, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" {
		return "Unknown Medication"
	}
	raw, err := r.Read(ctx, "Medication", parts[len(parts)-1])
	if err != nil {
		log.Err(err).Str("reference", ref).Msg("Error getting medication by reference")
		return "Unknown Medication"
	}
	return medicationName(gjson.GetBytes(raw, "code"))
}

func medicationName(concept gjson.Result) string {
	if !concept.Exists() {
		return "Unknown Medication"
	}
	if name := concept.Get(`coding.#(system=="` + rxNormSystem + `").display`).String(); name != "" {
		return name
	}
	if text := concept.Get("text").String(); text != "" {
		return text
	}
	return "Unnamed Medication"
}

func demographics(raw []byte) Demographics {
	d := Demographics{Name: unknown, Gender: unknown, BirthDate: unknown, Address: notAvailable, Phone: notAvailable}
	if len(raw) == 0 {
		return d
	}
	p := gjson.ParseBytes(raw)

	if name := humanName(p.Get("name.0")); name != "" {
		d.Name = name
	}
	d.Gender = orDefault(p.Get("gender").String(), unknown)
	d.BirthDate = formatDate(p.Get("birthDate").String())

	if addr := p.Get("address.0"); addr.Exists() {
		var parts []string
		for _, line := range addr.Get("line").Array() {
			parts = append(parts, line.String())
		}
		for _, key := range []string{"city", "state", "postalCode"} {
			if v := addr.Get(key).String(); v != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			d.Address = strings.Join(parts, ", ")
		}
	}
	if phone := p.Get(`telecom.#(system=="phone").value`).String(); phone != "" {
		d.Phone = phone
	}
	return d
}

func humanName(name gjson.Result) string {
	if !name.Exists() {
		return ""
	}
	if text := name.Get("text").String(); text != "" {
		return text
	}
	var parts []string
	for _, key := range []string{"prefix", "given"} {
		for _, v := range name.Get(key).Array() {
			parts = append(parts, v.String())
		}
	}
	if family := name.Get("family").String(); family != "" {
		parts = append(parts, family)
	}
	for _, v := range name.Get("suffix").Array() {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, " ")
}

// codeName is code.text, then the first coding display, then fallback.
func codeName(resource gjson.Result, fallback string) string {
	if text := resource.Get("code.text").String(); text != "" {
		return text
	}
	return orDefault(resource.Get("code.coding.0.display").String(), fallback)
}

func formatCondition(c gjson.Result) string {
	return fmt.Sprintf("%s (Status: %s, Onset: %s)",
		codeName(c, "Unknown condition"),
		orDefault(c.Get("clinicalStatus.coding.0.code").String(), unknown),
		formatDate(c.Get("onsetDateTime").String()))
}

func formatObservation(o gjson.Result) string {
	return fmt.Sprintf("%s: %s (%s)",
		codeName(o, "Unknown observation"),
		observationValue(o),
		formatDate(o.Get("effectiveDateTime").String()))
}

func observationValue(o gjson.Result) string {
	switch {
	case o.Get("valueQuantity").Exists():
		return strings.TrimSpace(o.Get("valueQuantity.value").String() + " " + o.Get("valueQuantity.unit").String())
	case o.Get("valueString").Exists():
		return o.Get("valueString").String()
	case o.Get("valueCodeableConcept.text").Exists():
		return o.Get("valueCodeableConcept.text").String()
	default:
		return "No value"
	}
}

func formatAllergy(a gjson.Result) string {
	return fmt.Sprintf("%s (Severity: %s)",
		codeName(a, "Unknown substance"),
		orDefault(a.Get("criticality").String(), "Unknown severity"))
}

func formatProcedure(p gjson.Result) string {
	return fmt.Sprintf("%s (%s)", codeName(p, "Unknown procedure"), formatDate(p.Get("performedDateTime").String()))
}

// formatDate renders FHIR dates and dateTimes as "January 02, 2006".
func formatDate(value string) string {
	if value == "" {
		return unknown
	}
	layouts := []string{time.DateOnly, time.RFC3339, time.RFC3339Nano}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("January 02, 2006")
		}
	}
	return value
}

func mapResources(raw [][]byte, format func(gjson.Result) string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, format(gjson.ParseBytes(r)))
	}
	return out
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
