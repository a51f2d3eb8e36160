package models

const unknownDeviceName = "Unknown Device"

// Device is a paired remote endpoint as presented to callers.
type Device struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Pairing PairingInfo    `json:"pairing_info"`
	Data    map[string]any `json:"data"`
}

// DeviceFromPairing projects a stored pairing record into a Device.
func DeviceFromPairing(info PairingInfo) Device {
	data := info.Metadata
	if data == nil {
		data = map[string]any{}
	}

	return Device{
		ID:      info.Endpoint(),
		Name:    displayName(data),
		Pairing: info,
		Data:    data,
	}
}

func displayName(data map[string]any) string {
	for _, key := range []string{"name", "deviceName"} {
		if name, ok := data[key].(string); ok && name != "" {
			return name
		}
	}
	return unknownDeviceName
}
