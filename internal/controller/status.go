package controller

import (
	"time"

	"madoka-go-home/internal/feature"
)

// Status is the last known value of every queryable feature. Nil fields have
// not been read yet.
type Status struct {
	Address       string                        `json:"address"`
	PowerState    *feature.PowerState           `json:"power_state,omitempty"`
	OperationMode *feature.OperationMode        `json:"operation_mode,omitempty"`
	SetPoint      *feature.SetPoint             `json:"set_point,omitempty"`
	FanSpeed      *feature.FanSpeed             `json:"fan_speed,omitempty"`
	Temperatures  *feature.Temperatures         `json:"temperatures,omitempty"`
	CleanFilter   *feature.CleanFilterIndicator `json:"clean_filter_indicator,omitempty"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// Map renders the status keyed by feature name, the record published over
// MQTT and printed by the CLI.
func (s Status) Map() map[string]any {
	m := make(map[string]any, 6)
	if s.PowerState != nil {
		m[feature.NamePowerState] = *s.PowerState
	}
	if s.OperationMode != nil {
		m[feature.NameOperationMode] = *s.OperationMode
	}
	if s.SetPoint != nil {
		m[feature.NameSetPoint] = *s.SetPoint
	}
	if s.FanSpeed != nil {
		m[feature.NameFanSpeed] = *s.FanSpeed
	}
	if s.Temperatures != nil {
		m[feature.NameTemperatures] = *s.Temperatures
	}
	if s.CleanFilter != nil {
		m[feature.NameCleanFilterIndicator] = *s.CleanFilter
	}
	return m
}

// Empty reports whether no feature has been read.
func (s Status) Empty() bool {
	return len(s.Map()) == 0
}

// apply stores a freshly read or written feature value.
func (s *Status) apply(v any) {
	switch v := v.(type) {
	case feature.PowerState:
		s.PowerState = &v
	case feature.OperationMode:
		s.OperationMode = &v
	case feature.SetPoint:
		s.SetPoint = &v
	case feature.FanSpeed:
		s.FanSpeed = &v
	case feature.Temperatures:
		s.Temperatures = &v
	case feature.CleanFilterIndicator:
		s.CleanFilter = &v
	case feature.ResetCleanFilterTimer:
		s.CleanFilter = &feature.CleanFilterIndicator{}
	}
}
