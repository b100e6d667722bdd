/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flowpeer

import "github.com/prometheus/client_golang/prometheus"

const (
	levelPeer     = "peer"
	levelSource   = "source"
	levelTemplate = "template"
)

var (
	PeersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowpeer",
		Name:      "peers",
		Help:      "Number of peers currently tracked",
	})
	SourcesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowpeer",
		Name:      "sources",
		Help:      "Number of sources currently tracked across all peers and versions",
	})
	TemplatesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowpeer",
		Name:      "templates",
		Help:      "Number of templates currently tracked across all sources",
	})
	ForcedEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowpeer",
		Name:      "forced_evictions_total",
		Help:      "Total number of entries evicted due to capacity per cache level",
	}, []string{"level"})
	TemplateLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowpeer",
		Name:      "template_lookups_total",
		Help:      "Total number of template lookups for data sets per result",
	}, []string{"result"})

	PacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowpeer",
		Name:      "decoder_decoded_packets_total",
		Help:      "Total number of decoded packets in decoder",
	})
	ErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowpeer",
		Name:      "decoder_errors_total",
		Help:      "Total number of errors in decoder",
	})
	DurationMicroseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowpeer",
		Name:      "decoder_duration_microseconds",
		Help:      "Duration of decoding per packet in microseconds",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})
	DecodedSets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowpeer",
		Name:      "decoder_decoded_sets_total",
		Help:      "Total number of decoded sets per type",
	}, []string{"type"})
)

// Collectors returns all metrics of the package, including those of the UDP listener.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		PeersGauge,
		SourcesGauge,
		TemplatesGauge,
		ForcedEvictions,
		TemplateLookups,
		PacketsTotal,
		ErrorsTotal,
		DurationMicroseconds,
		DecodedSets,
		UDPPacketsTotal,
		UDPErrorsTotal,
		UDPPacketBytes,
	}
}

// Register registers all metrics of the package with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
