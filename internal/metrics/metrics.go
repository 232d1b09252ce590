// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction label values.
const (
	DirectionTx = "tx"
	DirectionRx = "rx"
)

// Drop reasons.
const (
	DropRxInjected     = "rx_injected"
	DropTxInjected     = "tx_injected"
	DropSendBufferFull = "send_buffer_full"
	DropDecode         = "decode"
)

var (
	// FramesTotal counts frames sent or delivered, by channel
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arnet_transport_frames_total",
			Help: "Total number of frames sent and received",
		},
		[]string{"transport", "direction", "channel"},
	)

	// BytesTotal counts datagram bytes on the wire
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arnet_transport_bytes_total",
			Help: "Total number of datagram bytes sent and received",
		},
		[]string{"transport", "direction"},
	)

	// FrameSizeBytes tracks the distribution of frame sizes
	FrameSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arnet_transport_frame_size_bytes",
			Help:    "Size of frames including the header",
			Buckets: prometheus.ExponentialBuckets(8, 2, 14), // 8 .. 64KiB
		},
		[]string{"transport", "direction"},
	)

	// DropsTotal counts frames or datagrams that were discarded
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arnet_transport_drops_total",
			Help: "Total number of discarded frames or datagrams",
		},
		[]string{"transport", "reason"},
	)

	// DecodeErrorsTotal counts datagrams whose tail was discarded while decoding
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arnet_transport_decode_errors_total",
			Help: "Total number of frame decoding failures",
		},
		[]string{"transport", "error_type"},
	)

	// SendErrorsTotal counts failed sends by error type
	SendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arnet_transport_send_errors_total",
			Help: "Total number of failed sends",
		},
		[]string{"transport", "error_type"},
	)

	// LinkStatus tracks the current link status (0=ko, 1=ok)
	LinkStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arnet_link_status",
			Help: "Current link status (0=ko, 1=ok)",
		},
		[]string{"transport"},
	)

	// LinkTransitionsTotal counts link status changes
	LinkTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arnet_link_transitions_total",
			Help: "Total number of link status changes",
		},
		[]string{"transport", "status"},
	)

	// TxConsecutiveFailures tracks send buffer full drops since the last
	// successful send
	TxConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arnet_transport_tx_consecutive_failures",
			Help: "Number of consecutive sends dropped because the send buffer was full",
		},
		[]string{"transport"},
	)
)
