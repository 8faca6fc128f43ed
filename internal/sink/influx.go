package sink

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/weeebdev/2gis2traccar/internal/model"
)

// Influx is an optional destination keeping a location time series next to
// the tracker, one point per position.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

func (i *Influx) Name() string { return "influx" }

func (i *Influx) Send(ctx context.Context, pos *model.Position) error {
	if err := i.write.WritePoint(ctx, i.buildPoint(pos)); err != nil {
		return classify(err)
	}
	return nil
}

func (i *Influx) buildPoint(pos *model.Position) *write.Point {
	tags := map[string]string{
		"deviceId": pos.DeviceID,
		"activity": pos.Activity,
	}
	fields := map[string]interface{}{
		"lat":    pos.Lat,
		"lon":    pos.Lon,
		"motion": pos.Motion,
	}
	if pos.SpeedKnots != nil {
		fields["speed"] = *pos.SpeedKnots
	}
	if pos.Course != nil {
		fields["course"] = *pos.Course
	}
	if pos.Accuracy != nil {
		fields["accuracy"] = *pos.Accuracy
	}
	if pos.BatteryLevel != nil {
		fields["batteryLevel"] = *pos.BatteryLevel
	}
	if pos.Charging != nil {
		fields["charging"] = *pos.Charging
	}
	return write.NewPoint("location", tags, fields, pos.Timestamp)
}

func (i *Influx) Close() error {
	if i != nil && i.client != nil {
		i.client.Close()
	}
	return nil
}
