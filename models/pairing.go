package models

import (
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// PairingInfo is the trust record exchanged through a pairing code.
type PairingInfo struct {
	Address   string
	Port      int
	Key       string
	ExpiresAt time.Time
	Metadata  map[string]any
}

// pairingInfoJSON is the portable pairing code layout.
type pairingInfoJSON struct {
	IPAddress string         `json:"ipAddress"`
	Port      int            `json:"port"`
	Key       string         `json:"key"`
	Expiry    int64          `json:"expiry"`
	ExtraData map[string]any `json:"extraData,omitempty"`
}

// Endpoint returns the "address:port" form used as the device identifier.
func (p PairingInfo) Endpoint() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// ExpiredAt reports whether the record is no longer usable at now.
func (p PairingInfo) ExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// MarshalJSON encodes the record in pairing code form with expiry as epoch milliseconds.
func (p PairingInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(pairingInfoJSON{
		IPAddress: p.Address,
		Port:      p.Port,
		Key:       p.Key,
		Expiry:    p.ExpiresAt.UnixMilli(),
		ExtraData: p.Metadata,
	})
}

// UnmarshalJSON decodes the pairing code form. Field presence is not validated here.
func (p *PairingInfo) UnmarshalJSON(raw []byte) error {
	var wire pairingInfoJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}

	p.Address = wire.IPAddress
	p.Port = wire.Port
	p.Key = wire.Key
	p.ExpiresAt = time.UnixMilli(wire.Expiry)
	p.Metadata = wire.ExtraData
	return nil
}
