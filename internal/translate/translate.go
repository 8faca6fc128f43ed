// Package translate maps 2GIS friend states onto tracking-server positions.
// It is pure: no I/O, no state, so every rule here is unit-testable in
// isolation.
package translate

import (
	"errors"
	"fmt"
	"time"

	"github.com/weeebdev/2gis2traccar/internal/model"
)

// DeviceIDPrefix makes device identities stable and collision-free across
// restarts: the downstream device id is always this prefix plus the 2GIS
// friend id.
const DeviceIDPrefix = "2gis-"

// Exact unit constants. Speed arrives in m/s, Traccar's OsmAnd protocol
// wants knots.
const (
	MsToKmh    = 3.6
	KmhToKnots = 0.539957
)

var ErrNoPosition = errors.New("no position in friend state")

// Position converts one friend state into one outbound position.
// receivedAt is used as the event time when the source carries none.
//
// Policy notes:
//   - battery levels above 1 are treated as percentages and divided by 100;
//     levels in [0,1] pass through unchanged.
//   - movement "unknown" (or absent) maps to not-moving.
func Position(fs *model.FriendState, receivedAt time.Time) (*model.Position, error) {
	loc := fs.Location
	if loc == nil {
		return nil, ErrNoPosition
	}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return nil, fmt.Errorf("position out of range: lat=%v lon=%v", loc.Lat, loc.Lon)
	}

	pos := &model.Position{
		DeviceID:  DeviceIDPrefix + fs.ID,
		Timestamp: eventTime(fs, receivedAt),
		Lat:       loc.Lat,
		Lon:       loc.Lon,
		Course:    loc.Azimuth,
		Accuracy:  loc.Accuracy,
		Activity:  model.MovementUnknown,
		Extra:     map[string]any{},
	}

	if loc.Speed != nil {
		knots := *loc.Speed * MsToKmh * KmhToKnots
		pos.SpeedKnots = &knots
		pos.Extra["twogis.speedMs"] = *loc.Speed
	}

	if b := fs.Battery; b != nil {
		if b.Level != nil {
			level := *b.Level
			if level > 1 {
				level /= 100
			}
			pos.BatteryLevel = &level
		}
		pos.Charging = b.IsCharging
	}

	if m := fs.Movement; m != nil {
		if m.Status != "" {
			pos.Activity = m.Status
		}
		pos.Motion = m.Status == model.MovementMoving
		if m.StoppedAt != nil {
			pos.Extra["twogis.stoppedAt"] = m.StoppedAt.Time
		}
	}

	if fs.LastSeen != nil {
		pos.Extra["twogis.lastSeen"] = fs.LastSeen.Time
	}
	if p := fs.Place; p != nil {
		if p.Name != "" {
			pos.Extra["twogis.placeName"] = p.Name
		}
		if p.Kind != "" {
			pos.Extra["twogis.placeKind"] = p.Kind
		}
	}

	return pos, nil
}

func eventTime(fs *model.FriendState, receivedAt time.Time) time.Time {
	if fs.Location.Actuality != nil && !fs.Location.Actuality.IsZero() {
		return fs.Location.Actuality.Time
	}
	if fs.LastSeen != nil && !fs.LastSeen.IsZero() {
		return fs.LastSeen.Time
	}
	return receivedAt
}
