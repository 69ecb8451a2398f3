// Package relay mirrors progress events onto NATS so downstream consumers
// (alerting, SIEM forwarders) can follow investigations without polling the
// HTTP API. The relay is optional; without a broker URL it is a no-op.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"

	"github.com/swarmguard/inquest/internal/investigation"
)

var propagator = propagation.TraceContext{}

// Relay publishes events to swarm.investigations.<id>.events.
type Relay struct {
	nc  *nats.Conn
	log *slog.Logger

	published  metric.Int64Counter
	publishErr metric.Int64Counter
}

// Connect dials the broker. An empty URL returns a nil Relay, which every
// method tolerates.
func Connect(url string, log *slog.Logger) (*Relay, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("inquest-relay"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	meter := otel.Meter("inquest")
	published, _ := meter.Int64Counter("swarm_investigation_relay_published_total")
	publishErr, _ := meter.Int64Counter("swarm_investigation_relay_errors_total")

	log.Info("event relay connected", "url", url)
	return &Relay{nc: nc, log: log, published: published, publishErr: publishErr}, nil
}

// Publish mirrors one event. Failures are logged and counted, never
// propagated: the broker is an observer, not part of the write path.
func (r *Relay) Publish(ctx context.Context, ev investigation.ProgressEvent) {
	if r == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.publishErr.Add(ctx, 1)
		return
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{
		Subject: "swarm.investigations." + ev.InvestigationID + ".events",
		Data:    data,
		Header:  hdr,
	}
	if err := r.nc.PublishMsg(msg); err != nil {
		r.publishErr.Add(ctx, 1)
		r.log.Warn("relay publish failed", "investigation_id", ev.InvestigationID, "error", err)
		return
	}
	r.published.Add(ctx, 1)
}

// Close drains in-flight publishes and disconnects.
func (r *Relay) Close() {
	if r == nil || r.nc == nil {
		return
	}
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
	}
}
