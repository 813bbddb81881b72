//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"thingrpc/internal/types"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/thingrpc_<id>/state1/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Options           []string `json:"options,omitempty"`
	Device            haDevice `json:"device"`
}

// thingDisplayName returns a display name for the thing.
func thingDisplayName(t *types.Thing, tc types.ThingClass) string {
	if t.Name != "" {
		return t.Name
	}
	if tc.DisplayName != "" {
		return tc.DisplayName
	}
	return t.ID
}

// thingIdentifier returns the unique identifier for HA device registry.
func thingIdentifier(t *types.Thing) string {
	return "thingrpc_" + t.ID
}

// objectID turns a state name into something HA accepts as an object id.
func objectID(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return '_'
	}, name)
}

// stateKey is the key a state is published under in the thing's state
// document.
func stateKey(st types.StateType) string {
	if st.Name != "" {
		return st.Name
	}
	return st.ID
}

// buildDiscovery generates HA discovery messages, one entity per state type
// of the thing's class.
func buildDiscovery(t *types.Thing, tc types.ThingClass, prefix, vendor string) []discoveryMsg {
	if len(tc.StateTypes) == 0 {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := thingTopic(prefix, t.ID)
	cmdTopic := stateTopic + "/set"
	nodeID := thingIdentifier(t)
	displayName := thingDisplayName(t, tc)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: vendor,
		Model:        tc.DisplayName,
		Name:         displayName,
	}

	msgs := make([]discoveryMsg, 0, len(tc.StateTypes))
	for _, st := range tc.StateTypes {
		key := stateKey(st)
		obj := objectID(key)
		label := st.DisplayName
		if label == "" {
			label = key
		}
		payload := haDiscovery{
			Name:              displayName + " " + label,
			UniqueID:          nodeID + "_" + obj,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			Device:            haDev,
		}

		var component string
		switch {
		case st.Type == types.TypeBool && st.Writable:
			component = "switch"
			payload.CommandTopic = cmdTopic
			payload.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", key)
			payload.StateOn, payload.StateOff = "ON", "OFF"
			payload.PayloadOn = string(mustJSON(map[string]any{key: true}))
			payload.PayloadOff = string(mustJSON(map[string]any{key: false}))
		case st.Type == types.TypeBool:
			component = "binary_sensor"
			payload.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", key)
			payload.PayloadOn, payload.PayloadOff = "ON", "OFF"
		case len(st.AllowedValues) > 0 && st.Writable:
			component = "select"
			payload.CommandTopic = cmdTopic
			payload.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", key)
			payload.CommandTemplate = fmt.Sprintf(`{"%s": "{{ value }}"}`, key)
			for _, v := range st.AllowedValues {
				payload.Options = append(payload.Options, fmt.Sprint(v))
			}
		default:
			component = "sensor"
			payload.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", key)
			payload.UnitOfMeasurement = st.Unit
			if numeric(st.Type) {
				payload.StateClass = "measurement"
			}
		}

		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, obj),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// removeDiscovery turns previously published discovery topics into empty
// retained messages, which deletes the entities in HA.
func removeDiscovery(topics []string) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(topics))
	for _, topic := range topics {
		msgs = append(msgs, discoveryMsg{Topic: topic})
	}
	return msgs
}

func numeric(t types.ValueType) bool {
	switch t {
	case types.TypeInt, types.TypeUint, types.TypeDouble:
		return true
	}
	return false
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
