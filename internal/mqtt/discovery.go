//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"

	"madoka-go-home/internal/ble"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

type haAvailability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

// haClimate is the climate entity for the thermostat.
type haClimate struct {
	Name                       string         `json:"name"`
	UniqueID                   string         `json:"unique_id"`
	CurrentTemperatureTopic    string         `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string         `json:"current_temperature_template"`
	FanModeCommandTopic        string         `json:"fan_mode_command_topic"`
	FanModeCommandTemplate     string         `json:"fan_mode_command_template"`
	FanModeStateTopic          string         `json:"fan_mode_state_topic"`
	FanModeStateTemplate       string         `json:"fan_mode_state_template"`
	ModeCommandTopic           string         `json:"mode_command_topic"`
	ModeCommandTemplate        string         `json:"mode_command_template"`
	ModeStateTopic             string         `json:"mode_state_topic"`
	ModeStateTemplate          string         `json:"mode_state_template"`
	PowerCommandTopic          string         `json:"power_command_topic"`
	TemperatureCommandTopic    string         `json:"temperature_command_topic"`
	TemperatureCommandTemplate string         `json:"temperature_command_template"`
	TemperatureStateTopic      string         `json:"temperature_state_topic"`
	TemperatureStateTemplate   string         `json:"temperature_state_template"`
	Modes                      []string       `json:"modes"`
	FanModes                   []string       `json:"fan_modes"`
	MinTemp                    int            `json:"min_temp"`
	MaxTemp                    int            `json:"max_temp"`
	Precision                  int            `json:"precision"`
	TempStep                   int            `json:"temp_step"`
	TemperatureUnit            string         `json:"temperature_unit"`
	Availability               haAvailability `json:"availability"`
	Device                     haDevice       `json:"device"`
}

const (
	climateMinTemp = 17
	climateMaxTemp = 31

	tmplCurrentTemp  = "{{ value_json.temperatures['indoor'] }}"
	tmplTempState    = "{{ value_json.set_point['heating_set_point'] if value_json.operation_mode['operation_mode']=='HEAT' else value_json.set_point['cooling_set_point'] }}"
	tmplTempCommand  = "{{ value | int }}"
	tmplModeState    = "{% set values = {None:None,'off':'off','HEAT':'heat','COOL':'cool','FAN':'fan_only','AUTO':'auto','DRY':'dry'} %}{{ values[value_json.operation_mode['operation_mode']] if value_json.power_state['turn_on'] else 'off' }}"
	tmplModeCommand  = "{% set values = {'auto':'AUTO','heat':'HEAT','cool':'COOL','fan_only':'FAN','off':'OFF','dry':'DRY'} %}{{ values[value] if value in values.keys() else 'AUTO' }}"
	tmplFanState     = "{% set values = {'AUTO':'auto','LOW':'low','MID':'medium','HIGH':'high'} %}{{ values[value_json.fan_speed['heating_fan_speed']] if value_json.operation_mode['operation_mode']=='HEAT' else values[value_json.fan_speed['cooling_fan_speed']] }}"
	tmplFanCommand   = "{% set values = {'auto':'AUTO','low':'LOW','medium':'MID','high':'HIGH'} %}{{ values[value] }}"
	tmplOutdoorTemp  = "{{ value_json.temperatures['outdoor'] }}"
	tmplFilterBinary = "{{ 'ON' if value_json.clean_filter_indicator['clean_filter_indicator'] else 'OFF' }}"
)

// deviceTopic returns the unit's topic root.
func deviceTopic(rootTopic string, rootOnly bool, address string) string {
	if rootOnly {
		return rootTopic
	}
	r := strings.NewReplacer(" ", "_", ":", "_", "/", "_")
	return rootTopic + "/" + r.Replace(address)
}

// uniqueID is the address with separators stripped, lowercased.
func uniqueID(address string) string {
	return "madoka_" + strings.ToLower(strings.NewReplacer(":", "", " ", "", "/", "").Replace(address))
}

// buildDevice renders the HA device registry block from the device
// information service.
func buildDevice(address, name string, info map[string]string) haDevice {
	d := haDevice{
		Identifiers:  []string{uniqueID(address)},
		Manufacturer: "DAIKIN",
		Name:         name,
	}
	if m := info[ble.InfoModel]; m != "" {
		d.Model = "BRC1H" + m
	}
	if sw := info[ble.InfoSoftware]; sw != "" {
		d.SWVersion = sw
	}
	return d
}

// buildDiscovery generates the climate entity plus the sensors HA cannot
// derive from it. discoveryTopic carries a <device_topic> placeholder and
// names the climate config topic; sensors go under the same prefix.
func buildDiscovery(discoveryTopic, devTopic, address, name string, info map[string]string) []discoveryMsg {
	if discoveryTopic == "" {
		return nil
	}
	stateTopic := devTopic + "/state/get"
	avail := haAvailability{Topic: devTopic + "/available", PayloadAvailable: "1", PayloadNotAvailable: "0"}
	dev := buildDevice(address, name, info)
	id := uniqueID(address)
	placeholder := strings.TrimPrefix(devTopic, "/")

	climate := haClimate{
		Name:                       name,
		UniqueID:                   id,
		CurrentTemperatureTopic:    stateTopic,
		CurrentTemperatureTemplate: tmplCurrentTemp,
		FanModeCommandTopic:        devTopic + "/fan_speed/set",
		FanModeCommandTemplate:     tmplFanCommand,
		FanModeStateTopic:          stateTopic,
		FanModeStateTemplate:       tmplFanState,
		ModeCommandTopic:           devTopic + "/operation_mode/set",
		ModeCommandTemplate:        tmplModeCommand,
		ModeStateTopic:             stateTopic,
		ModeStateTemplate:          tmplModeState,
		PowerCommandTopic:          devTopic + "/power_state/set",
		TemperatureCommandTopic:    devTopic + "/set_point/set",
		TemperatureCommandTemplate: tmplTempCommand,
		TemperatureStateTopic:      stateTopic,
		TemperatureStateTemplate:   tmplTempState,
		Modes:                      []string{"auto", "off", "cool", "heat", "dry", "fan_only"},
		FanModes:                   []string{"low", "medium", "high"},
		MinTemp:                    climateMinTemp,
		MaxTemp:                    climateMaxTemp,
		Precision:                  1,
		TempStep:                   1,
		TemperatureUnit:            "C",
		Availability:               avail,
		Device:                     dev,
	}

	climateTopic := strings.ReplaceAll(discoveryTopic, "<device_topic>", placeholder)
	msgs := []discoveryMsg{{Topic: climateTopic, Payload: mustJSON(climate)}}

	// Sibling entities share the discovery prefix ("homeassistant").
	prefix, _, _ := strings.Cut(climateTopic, "/")
	msgs = append(msgs,
		buildSensor(prefix, id, name, stateTopic, avail, dev, "outdoor_temperature", "Outdoor temperature", tmplOutdoorTemp),
		buildBinarySensor(prefix, id, name, stateTopic, avail, dev, "clean_filter", "Clean filter", tmplFilterBinary),
	)
	return msgs
}

type haSensor struct {
	Name              string         `json:"name"`
	UniqueID          string         `json:"unique_id"`
	StateTopic        string         `json:"state_topic"`
	ValueTemplate     string         `json:"value_template"`
	DeviceClass       string         `json:"device_class,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	StateClass        string         `json:"state_class,omitempty"`
	Availability      haAvailability `json:"availability"`
	Device            haDevice       `json:"device"`
}

func buildSensor(prefix, nodeID, displayName, stateTopic string, avail haAvailability, dev haDevice,
	objectID, suffix, valueTmpl string) discoveryMsg {

	return discoveryMsg{
		Topic: prefix + "/sensor/" + nodeID + "/" + objectID + "/config",
		Payload: mustJSON(haSensor{
			Name:              displayName + " " + suffix,
			UniqueID:          nodeID + "_" + objectID,
			StateTopic:        stateTopic,
			ValueTemplate:     valueTmpl,
			DeviceClass:       "temperature",
			UnitOfMeasurement: "°C",
			StateClass:        "measurement",
			Availability:      avail,
			Device:            dev,
		}),
	}
}

func buildBinarySensor(prefix, nodeID, displayName, stateTopic string, avail haAvailability, dev haDevice,
	objectID, suffix, valueTmpl string) discoveryMsg {

	return discoveryMsg{
		Topic: prefix + "/binary_sensor/" + nodeID + "/" + objectID + "/config",
		Payload: mustJSON(haSensor{
			Name:          displayName + " " + suffix,
			UniqueID:      nodeID + "_" + objectID,
			StateTopic:    stateTopic,
			ValueTemplate: valueTmpl,
			DeviceClass:   "problem",
			Availability:  avail,
			Device:        dev,
		}),
	}
}

// buildRemoveDiscovery clears every entity published by buildDiscovery.
func buildRemoveDiscovery(discoveryTopic, devTopic, address string) []discoveryMsg {
	msgs := buildDiscovery(discoveryTopic, devTopic, address, "", nil)
	for i := range msgs {
		msgs[i].Payload = nil
	}
	return msgs
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
