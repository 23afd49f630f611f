// Package metrics provides Prometheus metrics for the casting core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SSDPResponsesTotal counts raw SSDP datagrams handed to the registry.
	SSDPResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_ssdp_responses_total",
		Help: "Total number of SSDP datagrams received during discovery sweeps",
	})

	// DevicesKnown tracks the current size of the device registry.
	DevicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castbridge_devices_known",
		Help: "Number of devices currently held in the registry",
	})

	// DiscoveryDuration tracks how long a discovery sweep takes.
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "castbridge_discovery_duration_seconds",
		Help:    "Duration of SSDP discovery sweeps in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DescriptionFetchErrors counts failed device description fetches.
	DescriptionFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_description_fetch_errors_total",
		Help: "Total number of failed device description fetches",
	})

	// SOAPCallsTotal counts SOAP actions by name.
	SOAPCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbridge_soap_calls_total",
		Help: "Total number of SOAP actions invoked",
	}, []string{"action"})

	// SOAPFaultsTotal counts SOAP faults by UPnP error code.
	SOAPFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbridge_soap_faults_total",
		Help: "Total number of SOAP faults by UPnP error code",
	}, []string{"code"})

	// CastsTotal counts cast attempts by outcome (success, warning, failure).
	CastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbridge_casts_total",
		Help: "Total number of cast attempts by outcome",
	}, []string{"outcome"})
)
