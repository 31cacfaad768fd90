// Package telemetry declares the metric keys and the labels shared by
// logs and metrics across the network.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricFragmentSentCount counts fragments handed to a link, first
	// transmissions and retries alike.
	MetricFragmentSentCount     = []string{"dronenet", "fragment", "sent", "count"}
	MetricFragmentResentCount   = []string{"dronenet", "fragment", "resent", "count"}
	MetricFragmentReceivedCount = []string{"dronenet", "fragment", "received", "count"}
	MetricAckCount              = []string{"dronenet", "ack", "count"}
	MetricNackCount             = []string{"dronenet", "nack", "count"}
	MetricFloodStartedCount     = []string{"dronenet", "flood", "started", "count"}
	MetricFloodResponseCount    = []string{"dronenet", "flood", "response", "count"}
	MetricMessageDeliveredCount = []string{"dronenet", "message", "delivered", "count"}
	MetricMessageAbandonedCount = []string{"dronenet", "message", "abandoned", "count"}
	MetricMessageErrorCount     = []string{"dronenet", "message", "error", "count"}
	MetricRelayForwardedCount   = []string{"dronenet", "relay", "forwarded", "count"}
	MetricRelayDroppedCount     = []string{"dronenet", "relay", "dropped", "count"}
	MetricRelayNackCount        = []string{"dronenet", "relay", "nack", "count"}
	MetricLinkOutBytes          = []string{"dronenet", "link", "out", "bytes"}
	MetricLinkInBytes           = []string{"dronenet", "link", "in", "bytes"}
	MetricLinkErrorCount        = []string{"dronenet", "link", "error", "count"}
	MetricNodeErrorCount        = []string{"dronenet", "node", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelNodeID     TelemetryLabel = "node_id"
	LabelNodeKind   TelemetryLabel = "node_kind"
	LabelPeer       TelemetryLabel = "peer"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelReason     TelemetryLabel = "reason"
	LabelPacketType TelemetryLabel = "packet_type"
	LabelPacket     TelemetryLabel = "packet"
	LabelSessionID  TelemetryLabel = "session_id"
	LabelFloodID    TelemetryLabel = "flood_id"
	LabelDest       TelemetryLabel = "destination"
	LabelSource     TelemetryLabel = "source"
	LabelRoute      TelemetryLabel = "route"
	LabelMessage    TelemetryLabel = "message"
	LabelDuration   TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
