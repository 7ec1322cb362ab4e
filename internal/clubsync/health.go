package clubsync

import "go.uber.org/zap"

func (e *Engine) scheduleHealthProbe() {
	if e.prober == nil {
		return
	}
	e.healthTimer = e.clock.AfterFunc(e.healthInterval, func() {
		e.post(probeDueMsg{})
	})
}

func (e *Engine) handleProbeDue() {
	go func() {
		err := e.prober.Probe(e.runCtx)
		e.post(probeResultMsg{err: err})
	}()
}

// handleProbeResult folds the probe outcome into the health state. The
// indicator only moves on transitions; transport can be up while the backend
// is unreachable, which is exactly what the probe exists to catch.
func (e *Engine) handleProbeResult(msg probeResultMsg) {
	healthy := msg.err == nil
	wasKnown := e.healthKnown
	wasHealthy := e.healthy
	e.healthKnown = true
	e.healthy = healthy

	if msg.err != nil {
		e.logger.Debug("health probe failed", zap.Error(msg.err))
	}
	if !wasKnown || wasHealthy != healthy {
		e.updateIndicator()
	}
	e.scheduleHealthProbe()
}
