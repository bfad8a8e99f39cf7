package crop

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/yanqian/cropsense/pkg/errors"
)

// Field describes one numeric input of a data entry form.
type Field struct {
	Name  string   `json:"name"`
	Label string   `json:"label"`
	Hint  string   `json:"hint"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
}

const (
	FieldN           = "N"
	FieldP           = "P"
	FieldK           = "K"
	FieldPH          = "ph"
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
	FieldRainfall    = "rainfall"
)

func bound(v float64) *float64 { return &v }

var soilFields = []Field{
	{Name: FieldN, Label: "Nitrogen (N)", Hint: "e.g., 90"},
	{Name: FieldP, Label: "Phosphorus (P)", Hint: "e.g., 42"},
	{Name: FieldK, Label: "Potassium (K)", Hint: "e.g., 43"},
	{Name: FieldPH, Label: "pH Value", Hint: "e.g., 6.5", Min: bound(0), Max: bound(14)},
}

var weatherFields = []Field{
	{Name: FieldTemperature, Label: "Temperature (°C)", Hint: "e.g., 20.8"},
	{Name: FieldHumidity, Label: "Humidity (%)", Hint: "e.g., 82", Min: bound(0), Max: bound(100)},
	{Name: FieldRainfall, Label: "Rainfall (mm)", Hint: "e.g., 202.9", Min: bound(0)},
}

// Fields lists the inputs of a flow in display order.
func Fields(mode Mode) []Field {
	fields := make([]Field, 0, len(soilFields)+len(weatherFields))
	fields = append(fields, soilFields...)
	if mode == ModeManual {
		fields = append(fields, weatherFields...)
	}
	return fields
}

// FieldError reports why one input blocks submission.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is the all-or-nothing validation outcome of a Form.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Message)
	}
	return strings.Join(parts, "; ")
}

// Form holds raw string values of a flow's inputs. Values are only checked on Validate.
type Form struct {
	Mode   Mode              `json:"mode"`
	Values map[string]string `json:"values"`
}

// NewForm returns an empty form for mode.
func NewForm(mode Mode) Form {
	f := Form{Mode: mode}
	f.Reset()
	return f
}

// Reset clears every value.
func (f *Form) Reset() {
	fields := Fields(f.Mode)
	f.Values = make(map[string]string, len(fields))
	for _, field := range fields {
		f.Values[field.Name] = ""
	}
}

// Set stores raw for the named field without validating it.
func (f *Form) Set(name, raw string) error {
	if _, ok := f.lookup(name); !ok {
		return apperrors.Wrap(apperrors.CodeInvalidInput, fmt.Sprintf("unknown field %q for %s mode", name, f.Mode), nil)
	}
	if f.Values == nil {
		f.Reset()
	}
	f.Values[name] = raw
	return nil
}

// Validate checks every field and returns a request only if all of them pass.
func (f Form) Validate() (RecommendationRequest, FieldErrors) {
	var (
		errs   FieldErrors
		parsed = make(map[string]float64, len(f.Values))
	)
	for _, field := range Fields(f.Mode) {
		value, fe := checkField(field, f.Values[field.Name])
		if fe != nil {
			errs = append(errs, *fe)
			continue
		}
		parsed[field.Name] = value
	}
	if len(errs) > 0 {
		return RecommendationRequest{}, errs
	}

	req := RecommendationRequest{
		Mode: f.Mode,
		Soil: SoilSample{
			N:  parsed[FieldN],
			P:  parsed[FieldP],
			K:  parsed[FieldK],
			PH: parsed[FieldPH],
		},
	}
	if f.Mode == ModeManual {
		req.Weather = &WeatherReading{
			Temperature: parsed[FieldTemperature],
			Humidity:    parsed[FieldHumidity],
			Rainfall:    parsed[FieldRainfall],
		}
	}
	return req, nil
}

func (f Form) lookup(name string) (Field, bool) {
	for _, field := range Fields(f.Mode) {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

func checkField(field Field, raw string) (float64, *FieldError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, &FieldError{Field: field.Name, Message: field.Label + " is required"}
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &FieldError{Field: field.Name, Message: field.Label + " must be a number"}
	}
	switch {
	case field.Min != nil && field.Max != nil && (value < *field.Min || value > *field.Max):
		return 0, &FieldError{Field: field.Name, Message: fmt.Sprintf("%s must be between %g and %g", field.Label, *field.Min, *field.Max)}
	case field.Min != nil && value < *field.Min:
		return 0, &FieldError{Field: field.Name, Message: fmt.Sprintf("%s must be at least %g", field.Label, *field.Min)}
	case field.Max != nil && value > *field.Max:
		return 0, &FieldError{Field: field.Name, Message: fmt.Sprintf("%s must be at most %g", field.Label, *field.Max)}
	}
	return value, nil
}
