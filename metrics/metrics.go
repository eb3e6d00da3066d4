// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package metrics exports Prometheus instrumentation for both daemons.
// Exposition is optional; with no listener the counters are still cheap
// enough to update from the packet loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szym/barnacle/log"
)

var (
	PacketsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barnacle_packets_forwarded_total",
		Help: "Packets rewritten and queued for injection, by direction.",
	}, []string{"direction"})

	BytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barnacle_bytes_forwarded_total",
		Help: "Bytes rewritten and queued for injection, by direction.",
	}, []string{"direction"})

	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barnacle_packets_dropped_total",
		Help: "Packets not forwarded, by direction and reason.",
	}, []string{"direction", "reason"})

	Mappings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barnacle_nat_mappings",
		Help: "Live NAPT mappings.",
	})

	PortExhaustion = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barnacle_nat_port_exhaustion_total",
		Help: "Outbound packets dropped because the port pool was empty.",
	}, []string{"proto"})

	DHCPReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barnacle_dhcp_replies_total",
		Help: "DHCP replies sent, by message type.",
	}, []string{"type"})

	LeasesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "barnacle_dhcp_leases_in_use",
		Help: "Unexpired leases.",
	})
)

// Serve exposes /metrics on addr; empty addr disables exposition.
// Runs in its own goroutine; the packet loop never touches it.
func Serve(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.W("metrics: listener on %s: %v", addr, err)
		}
	}()
}
