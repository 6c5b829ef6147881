// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exposes bridge counters and the mirrored registers to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffutop/modbus-rtu-bridge/modbus"
)

const namespace = "modbus_bridge"

// Outcome labels for RTU polls and attempts.
const (
	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultCRC       = "crc"
	ResultMalformed = "malformed"
	ResultException = "exception"
	ResultCanceled  = "canceled"
	ResultError     = "error"
)

var rtuResults = []string{ResultOK, ResultTimeout, ResultCRC, ResultMalformed, ResultException, ResultError}

// Result maps an RTU error to its outcome label.
func Result(err error) string {
	var exc *modbus.ExceptionError
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, modbus.ErrNoResponse):
		return ResultTimeout
	case errors.Is(err, modbus.ErrCRCMismatch):
		return ResultCRC
	case errors.Is(err, modbus.ErrMalformedFrame):
		return ResultMalformed
	case errors.As(err, &exc):
		return ResultException
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCanceled
	default:
		return ResultError
	}
}

// Metrics owns a private registry with the bridge metrics.
type Metrics struct {
	reg      *prometheus.Registry
	polls    *prometheus.CounterVec
	attempts *prometheus.CounterVec
	requests *prometheus.CounterVec
	lastPoll prometheus.Gauge
}

// New creates the metrics. snapshot, when not nil, is read at scrape time
// to export every mirrored register.
func New(snapshot func() []uint16) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rtu_polls_total",
				Help:      "Register refresh cycles by outcome",
			},
			[]string{"result"}),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rtu_attempts_total",
				Help:      "Individual RTU transactions, retries included, by outcome",
			},
			[]string{"result"}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tcp_requests_total",
				Help:      "Modbus TCP connections by outcome",
			},
			[]string{"result"}),
		lastPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_poll_success_time_seconds",
			Help:      "Time of the last successful register refresh, in unixtime",
		}),
	}
	m.reg.MustRegister(m.polls)
	m.reg.MustRegister(m.attempts)
	m.reg.MustRegister(m.requests)
	m.reg.MustRegister(m.lastPoll)
	m.reg.MustRegister(collectors.NewBuildInfoCollector())
	if snapshot != nil {
		m.reg.MustRegister(&registerCollector{snapshot: snapshot})
	}

	// Instantiate the counters to zero
	for _, label := range rtuResults {
		m.polls.WithLabelValues(label)
		m.attempts.WithLabelValues(label)
	}
	return m
}

// Registry returns the registry holding the bridge metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObservePoll records the outcome of a register refresh.
func (m *Metrics) ObservePoll(err error) {
	m.polls.WithLabelValues(Result(err)).Inc()
	if err == nil {
		m.lastPoll.SetToCurrentTime()
	}
}

// ObserveAttempt records the outcome of a single RTU transaction.
func (m *Metrics) ObserveAttempt(err error) {
	m.attempts.WithLabelValues(Result(err)).Inc()
}

// ObserveRequest records the outcome of a TCP connection.
func (m *Metrics) ObserveRequest(result string) {
	m.requests.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve exposes /metrics on listen until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics server listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// registerCollector exports the store snapshot taken at scrape time.
type registerCollector struct {
	snapshot func() []uint16
}

var registerDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "holding_register"),
	"Mirrored holding register value",
	[]string{"index"}, nil,
)

func (c *registerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- registerDesc
}

func (c *registerCollector) Collect(ch chan<- prometheus.Metric) {
	for i, v := range c.snapshot() {
		ch <- prometheus.MustNewConstMetric(registerDesc, prometheus.GaugeValue, float64(v), strconv.Itoa(i))
	}
}
