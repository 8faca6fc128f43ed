package model

import (
	"encoding/json"
	"time"
)

// Frame is the raw envelope of every message the 2GIS socket delivers.
// The type field discriminates the event kind; only "friendState" frames
// carry location data the bridge cares about.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FrameTypeFriendState is the only frame kind forwarded to the controller.
const FrameTypeFriendState = "friendState"

// FriendState is one location update for one tracked subject. Everything
// except the id and position is optional in practice.
type FriendState struct {
	ID       string     `json:"id"`
	Location *Location  `json:"location"`
	Battery  *Battery   `json:"battery"`
	Movement *Movement  `json:"movement"`
	LastSeen *Timestamp `json:"lastSeen"`
	Place    *Place     `json:"place"`
}

type Location struct {
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	Speed     *float64   `json:"speed"`   // meters per second
	Azimuth   *float64   `json:"azimuth"` // degrees, 0-360
	Accuracy  *float64   `json:"accuracy"`
	Actuality *Timestamp `json:"actuality"`
}

type Battery struct {
	Level      *float64 `json:"level"` // 0-1 or 0-100 depending on client version
	IsCharging *bool    `json:"isCharging"`
}

// Movement statuses as 2GIS reports them.
const (
	MovementStationary = "stationary"
	MovementMoving     = "moving"
	MovementUnknown    = "unknown"
)

type Movement struct {
	Status    string     `json:"status"`
	StoppedAt *Timestamp `json:"stoppedAt"`
}

type Place struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Position is the outbound report in the tracking server's terms. Extra
// carries source fields that have no named destination counterpart.
type Position struct {
	DeviceID     string         `json:"deviceId"`
	Timestamp    time.Time      `json:"timestamp"`
	Lat          float64        `json:"lat"`
	Lon          float64        `json:"lon"`
	SpeedKnots   *float64       `json:"speed,omitempty"`
	Course       *float64       `json:"course,omitempty"`
	Accuracy     *float64       `json:"accuracy,omitempty"`
	BatteryLevel *float64       `json:"batteryLevel,omitempty"` // 0-1
	Charging     *bool          `json:"charging,omitempty"`
	Motion       bool           `json:"motion"`
	Activity     string         `json:"activity,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Timestamp accepts both RFC3339 strings and unix-millisecond numbers;
// 2GIS clients have shipped both over time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time = time.Unix(0, ms*int64(time.Millisecond)).UTC()
		return nil
	}
	return json.Unmarshal(data, &t.Time)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
