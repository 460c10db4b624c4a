package writer

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// InfluxSink writes consolidated rows as points in an InfluxDB bucket.
// Points are keyed by tags plus timestamp, so rewriting the same batch
// overwrites identical points instead of duplicating them.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      *logger.Log
}

func NewInfluxSink(cfg appconfig.InfluxSinkConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	sink := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.GetLogger(),
	}
	sink.log.WithComponent("influx_sink").WithFields(logger.Fields{
		"url":    cfg.URL,
		"org":    cfg.Org,
		"bucket": cfg.Bucket,
	}).Debug("influx sink initialized")
	return sink
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Write(ctx context.Context, batch *models.Batch) error {
	points := make([]*write.Point, 0, len(batch.Rows))
	for i := range batch.Rows {
		points = append(points, rowToPoint(&batch.Rows[i]))
	}
	if len(points) == 0 {
		return nil
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		s.log.WithComponent("influx_sink").WithError(err).WithFields(logger.Fields{
			"batch_id": batch.BatchID,
			"rows":     len(points),
		}).Warn("failed to write points")
		return fmt.Errorf("%w: %v", ErrSinkWriteFailed, err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

func rowToPoint(row *models.MergedRow) *write.Point {
	p := influxdb2.NewPointWithMeasurement("option_chain").
		AddTag("index", row.Index).
		AddTag("expiry_bucket", row.ExpiryBucket).
		AddTag("strike_offset", fmt.Sprintf("%d", row.StrikeOffset)).
		AddField("partial", row.Partial).
		SetTime(row.Timestamp)

	if row.CEPrice != nil {
		p.AddField("ce_price", *row.CEPrice)
	}
	if row.CEOI != nil {
		p.AddField("ce_oi", *row.CEOI)
	}
	if row.CEVolume != nil {
		p.AddField("ce_volume", *row.CEVolume)
	}
	if row.PEPrice != nil {
		p.AddField("pe_price", *row.PEPrice)
	}
	if row.PEOI != nil {
		p.AddField("pe_oi", *row.PEOI)
	}
	if row.PEVolume != nil {
		p.AddField("pe_volume", *row.PEVolume)
	}
	if row.TotalPremium != nil {
		p.AddField("total_premium", *row.TotalPremium)
	}
	if row.TotalVolume != nil {
		p.AddField("total_volume", *row.TotalVolume)
	}
	if row.TotalOI != nil {
		p.AddField("total_oi", *row.TotalOI)
	}
	if row.PutCallRatio != nil {
		p.AddField("put_call_ratio", *row.PutCallRatio)
	}

	return p
}
