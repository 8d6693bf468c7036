package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	externalAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_call_attempts_total",
			Help: "Attempts made through the retry wrapper per operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	workflowPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_polls_total",
			Help: "Workflow execution describes per observed state.",
		},
		[]string{"state"},
	)

	completionTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_tokens_total",
			Help: "Prompt and completion tokens reported by providers.",
		},
		[]string{"provider", "kind"},
	)
)

func init() {
	register(externalAttempts, workflowPolls, completionTokens)
}

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeFailed    = "failed"
)

func IncAttempt(op, outcome string) {
	externalAttempts.WithLabelValues(norm(op), outcome).Inc()
}

func IncWorkflowPoll(state string) {
	workflowPolls.WithLabelValues(norm(state)).Inc()
}

func AddTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		completionTokens.WithLabelValues(norm(provider), "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		completionTokens.WithLabelValues(norm(provider), "completion").Add(float64(completion))
	}
}
