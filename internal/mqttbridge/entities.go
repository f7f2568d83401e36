package mqttbridge

import (
	"encoding/json"
	"fmt"
)

const (
	Manufacturer  = "r0bb10"
	DeviceName    = "DualNet Controller"
	HardwareModel = "Linux SBC"

	discoveryNode = "dualnet_controller"
)

// Entity represents any Home Assistant entity that can be set up and torn down
type Entity interface {
	// Setup publishes Home Assistant discovery and subscribes any command topic
	Setup(m Broker, dev Device) error
	// Teardown removes the entity from Home Assistant
	Teardown(m Broker) error
	Name() string
}

// Device is the discovery device block.
type Device struct {
	ID       string // unique per unit, e.g. the mDNS hostname
	Firmware string
	Model    string
}

func (d Device) info() map[string]interface{} {
	model := d.Model
	if model == "" {
		model = HardwareModel
	}
	return map[string]interface{}{
		"identifiers":  []string{d.ID},
		"name":         DeviceName,
		"manufacturer": Manufacturer,
		"model":        model,
		"sw_version":   d.Firmware,
	}
}

// SensorEntity reads one field out of the retained state document.
type SensorEntity struct {
	name        string
	haName      string
	field       string
	unit        string
	deviceClass string
	icon        string
	diagnostic  bool
}

func (e *SensorEntity) Name() string { return e.name }

func (e *SensorEntity) configTopic() string {
	return fmt.Sprintf("homeassistant/sensor/%s/%s/config", discoveryNode, e.name)
}

func (e *SensorEntity) Setup(m Broker, dev Device) error {
	payload := discoveryBase(e.haName, fmt.Sprintf("%s_%s", dev.ID, e.name), "", StateTopic(m.TopicPrefix()), m.AvailabilityTopic(), dev)
	payload["value_template"] = fmt.Sprintf("{{ value_json.%s }}", e.field)
	if e.unit != "" {
		payload["unit_of_measurement"] = e.unit
		payload["state_class"] = "measurement"
	}
	if e.deviceClass != "" {
		payload["device_class"] = e.deviceClass
	}
	if e.icon != "" {
		payload["icon"] = e.icon
	}
	if e.diagnostic {
		payload["entity_category"] = "diagnostic"
	}
	return publishDiscovery(m, e.configTopic(), payload, e.name)
}

func (e *SensorEntity) Teardown(m Broker) error {
	return m.Publish(e.configTopic(), 0, true, "")
}

// ButtonEntity is a press-only command.
type ButtonEntity struct {
	name    string
	haName  string
	icon    string
	command string
}

func (e *ButtonEntity) Name() string { return e.name }

func (e *ButtonEntity) configTopic() string {
	return fmt.Sprintf("homeassistant/button/%s/%s/config", discoveryNode, e.name)
}

func (e *ButtonEntity) Setup(m Broker, dev Device) error {
	payload := discoveryBase(e.haName, fmt.Sprintf("%s_%s", dev.ID, e.name), CommandTopic(m.TopicPrefix(), e.command), "", m.AvailabilityTopic(), dev)
	payload["payload_press"] = "EXECUTE"
	payload["entity_category"] = "config"
	payload["icon"] = e.icon
	return publishDiscovery(m, e.configTopic(), payload, e.name)
}

func (e *ButtonEntity) Teardown(m Broker) error {
	return m.Publish(e.configTopic(), 0, true, "")
}

func defaultEntities() []Entity {
	return []Entity{
		&SensorEntity{name: "signal", haName: "Signal Strength", field: "rssi", unit: "dBm", deviceClass: "signal_strength", diagnostic: true},
		&SensorEntity{name: "network", haName: "Network", field: "ssid", icon: "mdi:wifi", diagnostic: true},
		&SensorEntity{name: "roaming_backoff", haName: "Roaming Backoff", field: "roaming_backoff_s", unit: "s", deviceClass: "duration", diagnostic: true},
		&SensorEntity{name: "temperature", haName: "Temperature", field: "temperature", unit: "°C", deviceClass: "temperature"},
		&SensorEntity{name: "humidity", haName: "Humidity", field: "humidity", unit: "%", deviceClass: "humidity"},
		&SensorEntity{name: "pressure", haName: "Pressure", field: "pressure", unit: "hPa", deviceClass: "atmospheric_pressure"},
		&SensorEntity{name: "update_state", haName: "Update State", field: "ota_state", icon: "mdi:update", diagnostic: true},
		&SensorEntity{name: "update_progress", haName: "Update Progress", field: "ota_percent", unit: "%", icon: "mdi:progress-upload", diagnostic: true},
		&ButtonEntity{name: "prepare_update", haName: "Prepare Update", icon: "mdi:upload-network", command: cmdPrepareUpdate},
		&ButtonEntity{name: "disconnect", haName: "Disconnect Station", icon: "mdi:wifi-off", command: cmdDisconnect},
	}
}

// discoveryBase creates a base discovery payload with common fields
func discoveryBase(name, uniqueID, commandTopic, stateTopic, availabilityTopic string, dev Device) map[string]interface{} {
	payload := map[string]interface{}{
		"name":               name,
		"unique_id":          uniqueID,
		"availability_topic": availabilityTopic,
		"device":             dev.info(),
	}
	if commandTopic != "" {
		payload["command_topic"] = commandTopic
	}
	if stateTopic != "" {
		payload["state_topic"] = stateTopic
	}
	return payload
}

// publishDiscovery publishes a discovery payload to Home Assistant
func publishDiscovery(m Broker, configTopic string, payload map[string]interface{}, entityName string) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discovery payload for %s: %w", entityName, err)
	}
	return m.Publish(configTopic, 0, true, jsonPayload)
}
