package control

import (
	"github.com/bsm/openmetrics"
	"github.com/yvesf/solar-flow-ctrl/pkg/limiter"
)

var (
	metricPV = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
		Name:   "solarflow_pv",
		Unit:   "percent",
		Help:   "Process value seen by the PID",
		Labels: []string{"controller"},
	})
	metricSP = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
		Name:   "solarflow_sp",
		Unit:   "percent",
		Help:   "Setpoint seen by the PID",
		Labels: []string{"controller"},
	})
	metricOutput = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
		Name:   "solarflow_output",
		Help:   "Fenced output in units of the output entity",
		Labels: []string{"controller"},
	})
	metricError = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
		Name:   "solarflow_error",
		Unit:   "percent",
		Help:   "Control error after direction and deadband",
		Labels: []string{"controller"},
	})
	metricPIDTerm = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
		Name:   "solarflow_pid_term",
		Help:   "Contribution of the P, I and D terms in units of the output entity",
		Labels: []string{"controller", "term"},
	})
	metricLimiterState = openmetrics.DefaultRegistry().Gauge(openmetrics.Desc{
		Name:   "solarflow_limiter_state",
		Help:   "Grid limiter state: 0=normal, 1=limiting import, -1=limiting export",
		Labels: []string{"controller"},
	})
	metricWriteFailures = openmetrics.DefaultRegistry().Counter(openmetrics.Desc{
		Name:   "solarflow_write_failures",
		Help:   "Number of failed output writes",
		Labels: []string{"controller"},
	})
)

func setOrReset(g openmetrics.Gauge, v *float64) {
	if v == nil {
		g.Reset(openmetrics.GaugeOptions{})
		return
	}
	g.Set(*v)
}

func observe(name string, st FlowState) {
	setOrReset(metricPV.With(name), st.PVPercent)
	setOrReset(metricSP.With(name), st.SPPercent)
	setOrReset(metricOutput.With(name), st.Out)
	setOrReset(metricError.With(name), st.Error)
	setOrReset(metricPIDTerm.With(name, "p"), st.PTerm)
	setOrReset(metricPIDTerm.With(name, "i"), st.ITerm)
	setOrReset(metricPIDTerm.With(name, "d"), st.DTerm)

	switch st.LimiterState {
	case limiter.LimitingImport:
		metricLimiterState.With(name).Set(1)
	case limiter.LimitingExport:
		metricLimiterState.With(name).Set(-1)
	default:
		metricLimiterState.With(name).Set(0)
	}
}
