// Package metrics registers Prometheus collectors for the control
// plane's RPC surfaces, grounded on lib/srv/authhandlers.go's
// package-level prometheus.NewCounter + prometheusCollectors slice +
// registration-at-construction pattern. Exposing the registry over
// HTTP is out of scope here; the counters exist so call counts are
// observable by whatever process embeds this module's default
// registerer, not to stand up a /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegisterPrometheusCollectors registers each collector with the
// default registerer, tolerating a collector that is already
// registered so a package's constructor can be called more than once
// (e.g. once per test) without erroring.
func RegisterPrometheusCollectors(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
