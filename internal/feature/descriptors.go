package feature

import (
	"encoding/binary"
	"fmt"
	"math"

	"madoka-go-home/internal/frame"
)

// Feature names, also used as status keys.
const (
	NamePowerState            = "power_state"
	NameOperationMode         = "operation_mode"
	NameSetPoint              = "set_point"
	NameFanSpeed              = "fan_speed"
	NameCleanFilterIndicator  = "clean_filter_indicator"
	NameResetCleanFilterTimer = "reset_clean_filter_timer"
	NameTemperatures          = "temperatures"
)

// Set point limits in degrees Celsius.
const (
	MinSetPoint = 0
	MaxSetPoint = 30
)

const (
	paramPrimary   = 0x20
	paramSecondary = 0x21
	paramIndoor    = 0x40
	paramOutdoor   = 0x41
	paramFilter    = 0x62
	paramResetTime = 0xFE

	setPointScale = 128
	outdoorAbsent = 0xFF
)

var PowerStateDesc = Descriptor[PowerState]{
	Name:        NamePowerState,
	QueryID:     32,
	UpdateID:    16416,
	QueryParams: frame.Params{{ID: paramPrimary, Value: []byte{0x00}}},
	Encode: func(v PowerState) frame.Params {
		b := byte(0x00)
		if v.TurnOn {
			b = 0x01
		}
		return frame.Params{{ID: paramPrimary, Value: []byte{b}}}
	},
	Decode: func(p frame.Params) (PowerState, error) {
		b, err := byteParam(p, paramPrimary)
		if err != nil {
			return PowerState{}, err
		}
		return PowerState{TurnOn: b == 0x01}, nil
	},
	Confirm: true,
}

var OperationModeDesc = Descriptor[OperationMode]{
	Name:     NameOperationMode,
	QueryID:  48,
	UpdateID: 16432,
	// the unit answers a mode query carrying the default (AUTO) value
	QueryParams: frame.Params{{ID: paramPrimary, Value: []byte{byte(ModeAuto)}}},
	Encode: func(v OperationMode) frame.Params {
		return frame.Params{{ID: paramPrimary, Value: []byte{byte(v.Mode)}}}
	},
	Decode: func(p frame.Params) (OperationMode, error) {
		n, err := uintParam(p, paramPrimary)
		if err != nil {
			return OperationMode{}, err
		}
		m := Mode(n)
		if n > math.MaxUint8 || !m.Valid() {
			return OperationMode{}, fmt.Errorf("%w: operation mode %d", ErrBadValue, n)
		}
		return OperationMode{Mode: m}, nil
	},
	Validate: func(v OperationMode) error {
		if !v.Mode.Valid() {
			return &ValidationError{Feature: NameOperationMode, Reason: fmt.Sprintf("unknown mode %d", uint8(v.Mode))}
		}
		return nil
	},
	Confirm: true,
}

var SetPointDesc = Descriptor[SetPoint]{
	Name:     NameSetPoint,
	QueryID:  64,
	UpdateID: 16448,
	QueryParams: frame.Params{
		{ID: paramPrimary, Value: []byte{0x00, 0x00}},
		{ID: paramSecondary, Value: []byte{0x00, 0x00}},
	},
	Encode: func(v SetPoint) frame.Params {
		return frame.Params{
			{ID: paramPrimary, Value: scaled(v.Cooling)},
			{ID: paramSecondary, Value: scaled(v.Heating)},
		}
	},
	Decode: func(p frame.Params) (SetPoint, error) {
		cool, err := uintParam(p, paramPrimary)
		if err != nil {
			return SetPoint{}, err
		}
		heat, err := uintParam(p, paramSecondary)
		if err != nil {
			return SetPoint{}, err
		}
		return SetPoint{Cooling: unscaled(cool), Heating: unscaled(heat)}, nil
	},
	Validate: func(v SetPoint) error {
		for _, t := range []struct {
			name  string
			value int
		}{{"cooling", v.Cooling}, {"heating", v.Heating}} {
			if t.value < MinSetPoint || t.value > MaxSetPoint {
				return &ValidationError{
					Feature: NameSetPoint,
					Reason:  fmt.Sprintf("%s set point %d outside %d..%d", t.name, t.value, MinSetPoint, MaxSetPoint),
				}
			}
		}
		return nil
	},
	Confirm: true,
}

var FanSpeedDesc = Descriptor[FanSpeed]{
	Name:     NameFanSpeed,
	QueryID:  80,
	UpdateID: 16464,
	QueryParams: frame.Params{
		{ID: paramPrimary, Value: []byte{0x00}},
		{ID: paramSecondary, Value: []byte{0x00}},
	},
	Encode: func(v FanSpeed) frame.Params {
		return frame.Params{
			{ID: paramPrimary, Value: []byte{byte(v.Cooling)}},
			{ID: paramSecondary, Value: []byte{byte(v.Heating)}},
		}
	},
	Decode: func(p frame.Params) (FanSpeed, error) {
		cool, err := uintParam(p, paramPrimary)
		if err != nil {
			return FanSpeed{}, err
		}
		heat, err := uintParam(p, paramSecondary)
		if err != nil {
			return FanSpeed{}, err
		}
		cs, err := speedFromWire(cool)
		if err != nil {
			return FanSpeed{}, err
		}
		hs, err := speedFromWire(heat)
		if err != nil {
			return FanSpeed{}, err
		}
		return FanSpeed{Cooling: cs, Heating: hs}, nil
	},
	Validate: func(v FanSpeed) error {
		if !v.Cooling.Valid() || !v.Heating.Valid() {
			return &ValidationError{
				Feature: NameFanSpeed,
				Reason:  fmt.Sprintf("fan speeds %d/%d not in AUTO, LOW, MID, HIGH", uint8(v.Cooling), uint8(v.Heating)),
			}
		}
		return nil
	},
	Confirm: true,
}

var CleanFilterDesc = Descriptor[CleanFilterIndicator]{
	Name:        NameCleanFilterIndicator,
	QueryID:     256,
	QueryParams: frame.Params{{ID: paramFilter, Value: []byte{0x00}}},
	Decode: func(p frame.Params) (CleanFilterIndicator, error) {
		b, err := byteParam(p, paramFilter)
		if err != nil {
			return CleanFilterIndicator{}, err
		}
		return CleanFilterIndicator{Clean: b&0x01 == 0x01}, nil
	},
}

var ResetCleanFilterDesc = Descriptor[ResetCleanFilterTimer]{
	Name:     NameResetCleanFilterTimer,
	UpdateID: 16928,
	Encode: func(ResetCleanFilterTimer) frame.Params {
		return frame.Params{{ID: paramResetTime, Value: []byte{0x01}}}
	},
}

var TemperaturesDesc = Descriptor[Temperatures]{
	Name:    NameTemperatures,
	QueryID: 272,
	QueryParams: frame.Params{
		{ID: paramIndoor, Value: []byte{0x00, 0x00}},
		{ID: paramOutdoor, Value: []byte{0x00, 0x00}},
	},
	Decode: func(p frame.Params) (Temperatures, error) {
		in, err := byteParam(p, paramIndoor)
		if err != nil {
			return Temperatures{}, err
		}
		t := Temperatures{Indoor: int(in)}
		if out, ok := p.Byte(paramOutdoor); ok && out != outdoorAbsent {
			v := int(out)
			t.Outdoor = &v
		}
		return t, nil
	},
}

// --- Parameter helpers ---

func byteParam(p frame.Params, id uint8) (byte, error) {
	b, ok := p.Byte(id)
	if !ok {
		return 0, fmt.Errorf("%w: parameter 0x%02X missing", ErrBadValue, id)
	}
	return b, nil
}

func uintParam(p frame.Params, id uint8) (uint64, error) {
	n, ok := p.Uint(id)
	if !ok {
		return 0, fmt.Errorf("%w: parameter 0x%02X missing", ErrBadValue, id)
	}
	return n, nil
}

// speedFromWire maps the intermediate levels 2..4 to MID.
func speedFromWire(n uint64) (Speed, error) {
	switch {
	case n == uint64(SpeedAuto):
		return SpeedAuto, nil
	case n == uint64(SpeedLow):
		return SpeedLow, nil
	case n >= 2 && n <= 4:
		return SpeedMid, nil
	case n == uint64(SpeedHigh):
		return SpeedHigh, nil
	}
	return 0, fmt.Errorf("%w: fan speed %d", ErrBadValue, n)
}

func scaled(celsius int) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(celsius*setPointScale))
	return out
}

func unscaled(raw uint64) int {
	return int(math.Round(float64(raw) / setPointScale))
}
