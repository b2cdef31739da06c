package model

import "time"

// TelemetryRecord is one normalized observation for a single miner at a
// single instant. Fields are pointers (or nil slices) where the source may
// omit them; a missing field propagates as absent, never as a zero value.
type TelemetryRecord struct {
	MinerID          string    `json:"miner_id"`
	SiteID           int       `json:"site_id"`
	Model            string    `json:"model,omitempty"`
	Firmware         string    `json:"firmware,omitempty"`
	IsOnline         bool      `json:"is_online"`
	HashrateCurrent  *float64  `json:"hashrate_current,omitempty"`
	HashrateExpected *float64  `json:"hashrate_expected,omitempty"`
	BoardsHealthy    *int      `json:"boards_healthy,omitempty"`
	BoardsTotal      *int      `json:"boards_total,omitempty"`
	TemperatureMax   *float64  `json:"temperature_max,omitempty"`
	FanSpeeds        []int     `json:"fan_speeds,omitempty"`
	PowerDraw        *float64  `json:"power_draw,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// Valid reports whether the record carries the minimum identity fields a
// TelemetrySchemaError would otherwise be raised for.
func (r TelemetryRecord) Valid() bool {
	return r.MinerID != "" && r.SiteID != 0
}
