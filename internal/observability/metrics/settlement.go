package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type settlementKey struct {
	scheme string
	status string
}

type settlementCollector struct {
	mu       sync.Mutex
	outcomes map[settlementKey]uint64
	replays  uint64
}

var settlements = &settlementCollector{
	outcomes: make(map[settlementKey]uint64),
}

// ObserveSettlement records the final status of one settlement attempt.
func ObserveSettlement(scheme, status string) {
	settlements.mu.Lock()
	defer settlements.mu.Unlock()
	settlements.outcomes[settlementKey{scheme: scheme, status: status}]++
}

// ObserveReplayRejection counts payment proofs rejected as already consumed.
func ObserveReplayRejection() {
	settlements.mu.Lock()
	defer settlements.mu.Unlock()
	settlements.replays++
}

func (c *settlementCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type outcomeMetric struct {
		settlementKey
		value uint64
	}
	outcomes := make([]outcomeMetric, 0, len(c.outcomes))
	for key, value := range c.outcomes {
		outcomes = append(outcomes, outcomeMetric{settlementKey: key, value: value})
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].scheme == outcomes[j].scheme {
			return outcomes[i].status < outcomes[j].status
		}
		return outcomes[i].scheme < outcomes[j].scheme
	})

	var builder strings.Builder
	builder.WriteString("# HELP relay402_settlements_total Settlement attempts by scheme and final status.\n")
	builder.WriteString("# TYPE relay402_settlements_total counter\n")
	for _, metric := range outcomes {
		builder.WriteString(fmt.Sprintf("relay402_settlements_total{scheme=\"%s\",status=\"%s\"} %d\n",
			escape(metric.scheme), escape(metric.status), metric.value))
	}

	builder.WriteString("# HELP relay402_replay_rejections_total Payment proofs rejected because they were already consumed.\n")
	builder.WriteString("# TYPE relay402_replay_rejections_total counter\n")
	builder.WriteString(fmt.Sprintf("relay402_replay_rejections_total %d\n", c.replays))

	return builder.String()
}
