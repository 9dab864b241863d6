package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionMetrics represents aggregated metrics for a loop session.
type SessionMetrics struct {
	Loops            int64   `json:"loops"`
	QuotaPauses      int64   `json:"quota_pauses"`
	MeanAgentSeconds float64 `json:"mean_agent_seconds"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSessionMetrics retrieves aggregated loop metrics. Each query tolerates
// an empty result; a fresh Prometheus simply reports zeroes.
func (q *QueryService) GetSessionMetrics(ctx context.Context) (*SessionMetrics, error) {
	metrics := &SessionMetrics{}

	loops, err := q.scalarQuery(ctx, `sum(ralph_loops_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loop count: %w", err)
	}
	metrics.Loops = int64(loops)

	quotaPauses, err := q.scalarQuery(ctx, `sum(ralph_quota_pauses_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query quota pauses: %w", err)
	}
	metrics.QuotaPauses = int64(quotaPauses)

	meanDuration, err := q.scalarQuery(ctx,
		`sum(ralph_agent_duration_seconds_sum) / sum(ralph_agent_duration_seconds_count)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent duration: %w", err)
	}
	metrics.MeanAgentSeconds = meanDuration

	return metrics, nil
}

// GetLoopsByOutcome retrieves the loop count broken down by outcome label.
func (q *QueryService) GetLoopsByOutcome(ctx context.Context) (map[string]int64, error) {
	result := make(map[string]int64)

	outcomeResult, _, err := q.queryAPI.Query(ctx, `sum by (outcome) (ralph_loops_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}

	if vector, ok := outcomeResult.(model.Vector); ok {
		for _, sample := range vector {
			if outcome, ok := sample.Metric["outcome"]; ok {
				result[string(outcome)] = int64(sample.Value)
			}
		}
	}

	return result, nil
}

// scalarQuery runs a single aggregate query and returns the scalar result,
// or zero when the metric has no samples yet.
func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}

	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
