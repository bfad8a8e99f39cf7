package crop

import "fmt"

// Mode identifies one of the two data entry flows.
type Mode string

const (
	// ModeLive resolves weather server side from a detected or default location.
	ModeLive Mode = "live"
	// ModeManual has the user supply both soil and weather data.
	ModeManual Mode = "manual"
)

// Valid reports whether m names a known flow.
func (m Mode) Valid() bool {
	return m == ModeLive || m == ModeManual
}

// SoilSample holds the user supplied soil nutrients and acidity.
type SoilSample struct {
	N  float64 `json:"N"`
	P  float64 `json:"P"`
	K  float64 `json:"K"`
	PH float64 `json:"ph"`
}

// WeatherReading is either typed in (manual flow) or resolved by the service (live flow).
type WeatherReading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Rainfall    float64 `json:"rainfall"`
}

// LocationInfo is the approximate location attached to a live session.
type LocationInfo struct {
	City      string  `json:"city"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l LocationInfo) String() string {
	return fmt.Sprintf("%s, %s", l.City, l.Country)
}

// FallbackLocation is substituted whenever auto detection is skipped or fails.
var FallbackLocation = LocationInfo{
	City:      "Ludhiana",
	Country:   "India",
	Latitude:  30.9,
	Longitude: 75.8,
}

// RecommendationRequest is a validated payload ready to be submitted.
type RecommendationRequest struct {
	Mode    Mode
	Soil    SoilSample
	Weather *WeatherReading
}

type liveBody struct {
	SoilSample
	UseCurrentLocation bool `json:"useCurrentLocation"`
}

type manualBody struct {
	SoilSample
	WeatherReading
}

// Body returns the JSON body expected by the mode's recommendation route.
func (r RecommendationRequest) Body() any {
	if r.Mode == ModeManual {
		var weather WeatherReading
		if r.Weather != nil {
			weather = *r.Weather
		}
		return manualBody{SoilSample: r.Soil, WeatherReading: weather}
	}
	return liveBody{SoilSample: r.Soil, UseCurrentLocation: true}
}

// RecommendationResult is the full success body of a recommendation call.
type RecommendationResult struct {
	RecommendedCrop string        `json:"recommended_crop"`
	InputData       SoilSample    `json:"input_data"`
	Temperature     float64       `json:"temperature"`
	Humidity        float64       `json:"humidity"`
	Rainfall        float64       `json:"rainfall"`
	Location        *LocationInfo `json:"location,omitempty"`
	Mode            string        `json:"mode,omitempty"`
	SoilDataSource  string        `json:"soil_data_source,omitempty"`
}

// ServerError is returned by the recommendation service client when the
// service answered but reported failure (non-2xx or success=false).
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("recommendation service failed: status=%d", e.Status)
	}
	return fmt.Sprintf("recommendation service failed: status=%d message=%s", e.Status, e.Message)
}
