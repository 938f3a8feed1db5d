package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "henry_devices_connected",
		Help: "Number of time clocks with an open connection.",
	})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "henry_commands_total",
		Help: "Commands sent to time clocks by result.",
	}, []string{"command", "result"})

	Authentications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "henry_authentications_total",
		Help: "RA/EA handshakes by result.",
	}, []string{"result"})

	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "henry_command_duration_seconds",
		Help:    "Time spent executing a command, including authentication.",
		Buckets: prometheus.DefBuckets,
	})

	UnsolicitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "henry_unsolicited_frames_total",
		Help: "Frames pushed by time clocks outside of a command.",
	})
)

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func Handler() http.Handler {
	return promhttp.Handler()
}
