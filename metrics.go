package ddns

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddnsd_requests_total",
		Help: "Outbound requests completed, labeled by result",
	}, []string{"result"})

	requestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ddnsd_requests_in_flight",
		Help: "Outbound requests not yet completed",
	})

	accountUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddnsd_account_updates_total",
		Help: "Provider responses handled, labeled by service and outcome",
	}, []string{"service", "outcome"})

	accountsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ddnsd_accounts",
		Help: "Configured accounts, labeled by status",
	}, []string{"status"})

	wanChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ddnsd_wan_changes_total",
		Help: "Times the WAN address was seen to change",
	})
)

func resultLabel(r *Request) string {
	if r.state == StateError {
		return r.code.String()
	}
	return "ok"
}
