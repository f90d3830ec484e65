package models

type Location struct {
	LocationID string         `json:"location_id"`
	Name       string         `json:"name"`
	Config     LocationConfig `json:"config"`
}

// LocationConfig is the canonical auto-caller configuration of a location.
// WaitMinutesPerPerson is zero when no estimate is configured.
type LocationConfig struct {
	Enabled              bool      `json:"enabled"`
	MaxServing           int       `json:"max_serving"`
	WaitMinutesPerPerson int       `json:"wait_minutes_per_person,omitempty"`
	Templates            Templates `json:"templates"`
}

type Templates struct {
	Near  Template `json:"near"`
	Ready Template `json:"ready"`
}

type Template struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}
