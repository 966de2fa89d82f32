package relay

import (
	"sort"
	"time"

	"echochan/internal/metrics"
)

// Status is the connection state of one relay endpoint.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusReconnecting Status = "reconnecting"
)

var allStatuses = []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusError, StatusReconnecting}

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	URL       string        `json:"url"`
	Status    Status        `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	Backoff   time.Duration `json:"backoff"`
	Failures  int           `json:"failures"`
}

// Summary aggregates endpoint states for the UI.
type Summary struct {
	Total     int              `json:"total"`
	Connected int              `json:"connected"`
	Errors    int              `json:"errors"`
	Endpoints []EndpointStatus `json:"endpoints"`
}

func summarize(endpoints []EndpointStatus) Summary {
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].URL < endpoints[j].URL })
	s := Summary{Total: len(endpoints), Endpoints: endpoints}
	for _, ep := range endpoints {
		switch ep.Status {
		case StatusConnected:
			s.Connected++
		case StatusError:
			s.Errors++
		}
	}
	return s
}

func recordGauges(s Summary) {
	counts := make(map[Status]int, len(allStatuses))
	for _, ep := range s.Endpoints {
		counts[ep.Status]++
	}
	for _, st := range allStatuses {
		metrics.RelayEndpoints.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
