package bundler

import "github.com/ethereum/go-ethereum/metrics"

var (
	bundlesAcceptedCounter  = metrics.NewRegisteredCounter("bundlepay/bundles/accepted", nil)
	requestsRejectedCounter = metrics.NewRegisteredCounter("bundlepay/requests/rejected", nil)
	relayFailuresCounter    = metrics.NewRegisteredCounter("bundlepay/relay/failures", nil)
	paymentsCappedCounter   = metrics.NewRegisteredCounter("bundlepay/payments/capped", nil)
)

// CountersSnapshot is the point-in-time counter view served by the admin
// metrics endpoint.
type CountersSnapshot struct {
	BundlesAccepted  int64 `json:"bundlesAccepted"`
	RequestsRejected int64 `json:"requestsRejected"`
	RelayFailures    int64 `json:"relayFailures"`
	PaymentsCapped   int64 `json:"paymentsCapped"`
}

// Counters reads the service counters.
func Counters() CountersSnapshot {
	return CountersSnapshot{
		BundlesAccepted:  bundlesAcceptedCounter.Snapshot().Count(),
		RequestsRejected: requestsRejectedCounter.Snapshot().Count(),
		RelayFailures:    relayFailuresCounter.Snapshot().Count(),
		PaymentsCapped:   paymentsCappedCounter.Snapshot().Count(),
	}
}
