package patient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	loincSystem       = "http://loinc.org"
	ucumSystem        = "http://unitsofmeasure.org"
	categorySystem    = "http://terminology.hl7.org/CodeSystem/observation-category"
	vitalSigns        = "vital-signs"
	defaultVital      = "temperature"
	maxPlausibleValue = 1000
)

// VitalSign is a LOINC coded observation kind with a placeholder value.
type VitalSign struct {
	Code    string  `json:"code"`
	Display string  `json:"display"`
	Unit    string  `json:"unit"`
	Dummy   float64 `json:"dummy"`
}

// VitalSigns are the observation kinds Epic files into vital-signs flowsheet rows.
var VitalSigns = map[string]VitalSign{
	"temperature":       {Code: "8310-5", Display: "Body temperature", Unit: "Cel", Dummy: 36.5},
	"systolic_bp":       {Code: "8480-6", Display: "Systolic blood pressure", Unit: "mm[Hg]", Dummy: 120},
	"diastolic_bp":      {Code: "8462-4", Display: "Diastolic blood pressure", Unit: "mm[Hg]", Dummy: 80},
	"heart_rate":        {Code: "8867-4", Display: "Heart rate", Unit: "/min", Dummy: 72},
	"respiratory_rate":  {Code: "9279-1", Display: "Respiratory rate", Unit: "/min", Dummy: 16},
	"oxygen_saturation": {Code: "2708-6", Display: "Oxygen saturation in Arterial blood", Unit: "%", Dummy: 98},
	"weight":            {Code: "29463-7", Display: "Body weight", Unit: "kg", Dummy: 70},
	"height":            {Code: "8302-2", Display: "Body height", Unit: "cm", Dummy: 175},
	"bmi":               {Code: "39156-5", Display: "Body mass index (BMI) [Ratio]", Unit: "kg/m2", Dummy: 23.5},
}

// SupportedLOINCCodes lists the codes of VitalSigns in a stable order.
func SupportedLOINCCodes() []string {
	return []string{"8310-5", "8480-6", "8462-4", "8867-4", "9279-1", "2708-6", "29463-7", "8302-2"}
}

// ObservationInput is what a client may send to record a vital sign. Missing or
// implausible fields fall back to the VitalSign defaults.
type ObservationInput struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
	Name    string `json:"name,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Value   any    `json:"value,omitempty"`
}

// ObservationDetail is one observation as listed for editing.
type ObservationDetail struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Unit     string `json:"unit"`
	Date     string `json:"date"`
	Category string `json:"category"`
}

// Observations lists the patient's observations with their ids.
func (s *Service) Observations(ctx context.Context, r Resources) ([]ObservationDetail, error) {
	patientID := r.PatientID()
	if patientID == "" {
		return nil, ErrNoPatient
	}

	raw, err := r.Search(ctx, "Observation", url.Values{"patient": {patientID}, "_count": {observationCount}})
	if err != nil {
		return nil, fmt.Errorf("[patient Observations] %w", err)
	}

	details := make([]ObservationDetail, 0, len(raw))
	for _, doc := range raw {
		o := gjson.ParseBytes(doc)
		detail := ObservationDetail{
			ID:       o.Get("id").String(),
			Name:     codeName(o, "Unknown observation"),
			Value:    "No value",
			Date:     formatDate(o.Get("effectiveDateTime").String()),
			Category: orDefault(o.Get("category.0.coding.0.code").String(), vitalSigns),
		}
		switch {
		case o.Get("valueQuantity").Exists():
			detail.Value = o.Get("valueQuantity.value").String()
			detail.Unit = o.Get("valueQuantity.unit").String()
		case o.Get("valueString").Exists():
			detail.Value = o.Get("valueString").String()
		case o.Get("valueCodeableConcept.text").Exists():
			detail.Value = o.Get("valueCodeableConcept.text").String()
		}
		details = append(details, detail)
	}
	return details, nil
}

const observationSkeleton = `{"resourceType":"Observation","status":"final",` +
	`"category":[{"coding":[{"system":"` + categorySystem + `","code":"` + vitalSigns + `","display":"Vital Signs"}]}],` +
	`"code":{"coding":[{"system":"` + loincSystem + `"}]}}`

// BuildObservation renders a final vital-signs Observation for patientID.
func BuildObservation(patientID string, in ObservationInput, effective time.Time) ([]byte, error) {
	vital, ok := VitalSigns[strings.ToLower(strings.TrimSpace(in.Type))]
	if !ok {
		vital = VitalSigns[defaultVital]
	}
	display := orDefault(in.Display, vital.Display)
	unit := orDefault(in.Unit, vital.Unit)

	value, ok := plausibleValue(in.Value)
	if !ok {
		value = vital.Dummy
	}

	doc := []byte(observationSkeleton)
	fields := []struct {
		path  string
		value any
	}{
		{"code.coding.0.code", orDefault(in.Code, vital.Code)},
		{"code.coding.0.display", display},
		{"code.text", orDefault(in.Name, display)},
		{"valueQuantity.value", value},
		{"valueQuantity.unit", unit},
		{"valueQuantity.system", ucumSystem},
		{"valueQuantity.code", unit},
		{"subject.reference", "Patient/" + patientID},
		{"effectiveDateTime", effective.UTC().Format(time.RFC3339)},
	}
	for _, f := range fields {
		var err error
		if doc, err = sjson.SetBytes(doc, f.path, f.value); err != nil {
			return nil, fmt.Errorf("[patient BuildObservation] set %s: %w", f.path, err)
		}
	}
	return doc, nil
}

// CreateObservation files a new vital sign and returns the id the server assigned.
func (s *Service) CreateObservation(ctx context.Context, r Resources, in ObservationInput) (string, error) {
	patientID := r.PatientID()
	if patientID == "" {
		return "", ErrNoPatient
	}
	body, err := BuildObservation(patientID, in, NowTimeFunc())
	if err != nil {
		return "", err
	}
	created, err := r.Create(ctx, "Observation", body)
	if err != nil {
		return "", fmt.Errorf("[patient CreateObservation] %w", err)
	}
	return gjson.GetBytes(created, "id").String(), nil
}

// ObservationUpdate replaces the quantity of an existing observation.
type ObservationUpdate struct {
	Value any    `json:"value,omitempty"`
	Unit  string `json:"unit,omitempty"`
}

// WithDefaults fills a missing value or unit with a body temperature reading.
func (u ObservationUpdate) WithDefaults() ObservationUpdate {
	if u.Value == nil || u.Value == "" {
		u.Value = "36.5"
	}
	if u.Unit == "" {
		u.Unit = VitalSigns[defaultVital].Unit
	}
	return u
}

// UpdateObservation reads the observation, swaps its valueQuantity and writes it back.
func (s *Service) UpdateObservation(ctx context.Context, r Resources, id string, update ObservationUpdate) error {
	if id == "" {
		return fmt.Errorf("[patient UpdateObservation] observation id is required")
	}
	update = update.WithDefaults()

	current, err := r.Read(ctx, "Observation", id)
	if err != nil {
		return fmt.Errorf("[patient UpdateObservation] read: %w", err)
	}

	value, ok := parseValue(update.Value)
	if !ok {
		value = VitalSigns[defaultVital].Dummy
	}
	doc, err := sjson.SetBytes(current, "valueQuantity.value", value)
	if err == nil {
		doc, err = sjson.SetBytes(doc, "valueQuantity.unit", update.Unit)
	}
	if err != nil {
		return fmt.Errorf("[patient UpdateObservation] %w", err)
	}

	if _, err := r.Update(ctx, "Observation", id, doc); err != nil {
		return fmt.Errorf("[patient UpdateObservation] %w", err)
	}
	return nil
}

func plausibleValue(v any) (float64, bool) {
	f, ok := parseValue(v)
	if !ok || f <= 0 || f > maxPlausibleValue {
		return 0, false
	}
	return f, true
}

func parseValue(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return f, err == nil
	case int:
		return float64(value), true
	default:
		return 0, false
	}
}
