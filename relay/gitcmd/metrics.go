package gitcmd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var gitOpFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_git_op_failures_total",
	Help: "Failed git operations, labelled by operation.",
}, []string{"operation"})
