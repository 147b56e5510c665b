package feature

import (
	"fmt"
	"strings"
)

// Mode is the unit's operation mode.
type Mode uint8

const (
	ModeFan         Mode = 0
	ModeDry         Mode = 1
	ModeAuto        Mode = 2
	ModeCool        Mode = 3
	ModeHeat        Mode = 4
	ModeVentilation Mode = 5
)

var modeNames = map[Mode]string{
	ModeFan:         "FAN",
	ModeDry:         "DRY",
	ModeAuto:        "AUTO",
	ModeCool:        "COOL",
	ModeHeat:        "HEAT",
	ModeVentilation: "VENTILATION",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown operation mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("unknown operation mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Speed is a fan speed level.
type Speed uint8

const (
	SpeedAuto Speed = 0
	SpeedLow  Speed = 1
	SpeedMid  Speed = 3
	SpeedHigh Speed = 5
)

var speedNames = map[Speed]string{
	SpeedAuto: "AUTO",
	SpeedLow:  "LOW",
	SpeedMid:  "MID",
	SpeedHigh: "HIGH",
}

func (s Speed) String() string {
	if n, ok := speedNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Speed(%d)", uint8(s))
}

// Valid reports whether s is one of the four levels the unit accepts.
func (s Speed) Valid() bool {
	_, ok := speedNames[s]
	return ok
}

// ParseSpeed accepts a speed name in any case.
func ParseSpeed(s string) (Speed, error) {
	for v, name := range speedNames {
		if strings.EqualFold(s, name) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown fan speed %q", s)
}

func (s Speed) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown fan speed %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Speed) UnmarshalText(b []byte) error {
	v, err := ParseSpeed(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// --- Feature values ---

type PowerState struct {
	TurnOn bool `json:"turn_on"`
}

type OperationMode struct {
	Mode Mode `json:"operation_mode"`
}

// SetPoint temperatures are whole degrees Celsius.
type SetPoint struct {
	Cooling int `json:"cooling_set_point"`
	Heating int `json:"heating_set_point"`
}

type FanSpeed struct {
	Cooling Speed `json:"cooling_fan_speed"`
	Heating Speed `json:"heating_fan_speed"`
}

type CleanFilterIndicator struct {
	Clean bool `json:"clean_filter_indicator"`
}

type ResetCleanFilterTimer struct{}

// Temperatures in degrees Celsius. Outdoor is nil when the unit has no
// outdoor sensor.
type Temperatures struct {
	Indoor  int  `json:"indoor"`
	Outdoor *int `json:"outdoor"`
}
