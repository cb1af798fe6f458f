package processes

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

// Call outcomes.
const (
	outcomeOk      = "ok"
	outcomeEngine  = "engine_error"
	outcomeState   = "state_error"
	outcomeProcess = "process_error"
	outcomeOther   = "fail"
)

var (
	workerSpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlworker_process_spawns_total",
		Help: "Cumulative number of worker processes started, by transport.",
	}, []string{"transport"})
	workerSpawnFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sqlworker_process_spawn_failures_total",
		Help: "Cumulative number of worker processes that could not be started or connected.",
	})
	workerOpenFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sqlworker_open_failures_total",
		Help: "Cumulative number of databases the worker failed to open.",
	})
	callsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sqlworker_calls_in_flight",
		Help: "Number of requests sent to workers and not yet answered.",
	})
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlworker_calls_total",
		Help: "Cumulative number of settled requests, by method and outcome.",
	}, []string{"method", "outcome"})
)

func outcomeOf(err error) string {
	var (
		engineErr  *types.EngineError
		stateErr   *types.StateError
		processErr *types.ProcessError
	)
	switch {
	case err == nil:
		return outcomeOk
	case errors.As(err, &engineErr):
		return outcomeEngine
	case errors.As(err, &stateErr):
		return outcomeState
	case errors.As(err, &processErr):
		return outcomeProcess
	default:
		return outcomeOther
	}
}
