package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionflow/logger"
	"optionflow/models"
)

// Status is the health state of one monitored component.
type Status string

const (
	StatusHealthy    Status = "HEALTHY"
	StatusDegraded   Status = "DEGRADED"
	StatusCritical   Status = "CRITICAL"
	StatusRecovering Status = "RECOVERING"
	StatusFailed     Status = "FAILED"
)

// Anomaly describes a detected problem routed through the policy table.
type Anomaly struct {
	ComponentID string
	Type        string
	Detail      string
}

// ActionFunc executes a recovery action for an anomaly.
type ActionFunc func(ctx context.Context, a Anomaly) error

// CheckFunc inspects shared services (lock manager, cursor store) for
// anomalies on every poll cycle.
type CheckFunc func() []Anomaly

// AlertFunc receives every alert the monitor raises.
type AlertFunc func(models.Alert)

// Snapshot is the queryable health view of one component.
type Snapshot struct {
	ComponentID     string             `json:"component_id"`
	Status          Status             `json:"status"`
	LastHeartbeat   time.Time          `json:"last_heartbeat"`
	Metrics         map[string]float64 `json:"metrics"`
	AnomalyScore    float64            `json:"anomaly_score"`
	RestartAttempts int                `json:"restart_attempts"`
}

// Config tunes detection and recovery.
type Config struct {
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	MissThreshold      int
	AnomalyK           float64
	AnomalySustain     time.Duration
	BaselineWindow     int
	MaxRestartAttempts int
}

type componentState struct {
	id              string
	status          Status
	lastHeartbeat   time.Time
	metrics         map[string]float64
	baselines       map[string]*Baseline
	anomalySince    map[string]time.Time
	anomalyScore    float64
	restartAttempts int
	restart         ActionFunc
}

// Monitor aggregates heartbeats, detects anomalies against rolling
// baselines, and drives policy-based recovery. All state transitions and
// recovery outcomes are logged and alerted; automation stops at FAILED.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	comps    map[string]*componentState
	policies map[string]ActionFunc
	checks   []CheckFunc
	onAlert  AlertFunc

	ctx     context.Context
	wg      sync.WaitGroup
	running bool
	log     *logger.Log
	now     func() time.Time
}

// NewMonitor creates a monitor with the given configuration.
func NewMonitor(cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.PollInterval
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = 5
	}
	if cfg.AnomalyK <= 0 {
		cfg.AnomalyK = 3
	}
	if cfg.AnomalySustain <= 0 {
		cfg.AnomalySustain = 30 * time.Second
	}
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = 60
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = 3
	}

	m := &Monitor{
		cfg:      cfg,
		comps:    make(map[string]*componentState),
		policies: make(map[string]ActionFunc),
		log:      logger.GetLogger(),
		now:      time.Now,
	}
	m.log.WithComponent("health_monitor").WithFields(logger.Fields{
		"poll_interval":        cfg.PollInterval.String(),
		"miss_threshold":       cfg.MissThreshold,
		"anomaly_k":            cfg.AnomalyK,
		"max_restart_attempts": cfg.MaxRestartAttempts,
	}).Info("health monitor initialized")
	return m
}

// SetAlertFunc installs the alert callback.
func (m *Monitor) SetAlertFunc(fn AlertFunc) {
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// Register adds a component with an optional restart action used when its
// heartbeats stop.
func (m *Monitor) Register(componentID string, restart ActionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.comps[componentID] = &componentState{
		id:            componentID,
		status:        StatusHealthy,
		lastHeartbeat: m.now(),
		metrics:       make(map[string]float64),
		baselines:     make(map[string]*Baseline),
		anomalySince:  make(map[string]time.Time),
		restart:       restart,
	}
	m.log.WithComponent("health_monitor").WithFields(logger.Fields{
		"component": componentID,
	}).Info("component registered")
}

// SetPolicy maps an anomaly type to its recovery action.
func (m *Monitor) SetPolicy(anomalyType string, action ActionFunc) {
	m.mu.Lock()
	m.policies[anomalyType] = action
	m.mu.Unlock()
}

// AddCheck registers an inspection run on every poll cycle.
func (m *Monitor) AddCheck(check CheckFunc) {
	m.mu.Lock()
	m.checks = append(m.checks, check)
	m.mu.Unlock()
}

// Heartbeat records liveness and metrics for a component. A heartbeat
// from a RECOVERING or CRITICAL component confirms recovery and resets the
// restart budget.
func (m *Monitor) Heartbeat(componentID string, metrics map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.comps[componentID]
	if !ok {
		st = &componentState{
			id:           componentID,
			status:       StatusHealthy,
			metrics:      make(map[string]float64),
			baselines:    make(map[string]*Baseline),
			anomalySince: make(map[string]time.Time),
		}
		m.comps[componentID] = st
	}

	st.lastHeartbeat = m.now()
	for name, v := range metrics {
		st.metrics[name] = v
		bl, ok := st.baselines[name]
		if !ok {
			bl = NewBaseline(m.cfg.BaselineWindow)
			st.baselines[name] = bl
		}
		bl.Observe(v)
	}

	if st.status == StatusRecovering || st.status == StatusCritical {
		m.transition(st, StatusHealthy, "heartbeat resumed")
		st.restartAttempts = 0
	}
}

// ReportAnomaly lets pipeline components escalate conditions the monitor
// cannot observe itself (persistent cursor conflicts, unreachable sinks).
func (m *Monitor) ReportAnomaly(a Anomaly) {
	m.dispatchAnomaly(a)
}

// SystemHealth returns a snapshot for every component.
func (m *Monitor) SystemHealth() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.comps))
	for _, st := range m.comps {
		metrics := make(map[string]float64, len(st.metrics))
		for k, v := range st.metrics {
			metrics[k] = v
		}
		out = append(out, Snapshot{
			ComponentID:     st.id,
			Status:          st.status,
			LastHeartbeat:   st.lastHeartbeat,
			Metrics:         metrics,
			AnomalyScore:    st.anomalyScore,
			RestartAttempts: st.restartAttempts,
		})
	}
	return out
}

// Start begins the poll loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("health monitor already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pollLoop()

	m.log.WithComponent("health_monitor").Info("health monitor started")
	return nil
}

// Stop waits for the poll loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.log.WithComponent("health_monitor").Info("health monitor stopped")
}

func (m *Monitor) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	m.mu.Lock()

	now := m.now()
	missCutoff := time.Duration(m.cfg.MissThreshold) * m.cfg.HeartbeatInterval

	var anomalies []Anomaly
	for _, st := range m.comps {
		if st.status == StatusFailed {
			continue
		}

		if now.Sub(st.lastHeartbeat) > missCutoff {
			if st.status != StatusCritical && st.status != StatusRecovering {
				m.transition(st, StatusCritical, fmt.Sprintf("%d heartbeats missed", m.cfg.MissThreshold))
			}
			if st.status == StatusCritical {
				anomalies = append(anomalies, Anomaly{
					ComponentID: st.id,
					Type:        "missed_heartbeats",
					Detail:      fmt.Sprintf("last heartbeat %s ago", now.Sub(st.lastHeartbeat).Round(time.Second)),
				})
			}
			continue
		}

		anomalies = append(anomalies, m.evaluateBaselines(st, now)...)
	}

	checks := append([]CheckFunc(nil), m.checks...)
	m.mu.Unlock()

	for _, check := range checks {
		anomalies = append(anomalies, check()...)
	}
	for _, a := range anomalies {
		m.dispatchAnomaly(a)
	}
}

// evaluateBaselines flags metrics beyond mean ± k·stddev only when the
// breach sustains past the configured duration, avoiding flaps on
// transient spikes. 2k is the hard threshold. Hard breaches are returned
// as anomalies for dispatch after the mutex is released.
func (m *Monitor) evaluateBaselines(st *componentState, now time.Time) []Anomaly {
	var anomalies []Anomaly
	var worst float64
	for name, v := range st.metrics {
		bl, ok := st.baselines[name]
		if !ok {
			continue
		}
		score := bl.Score(v)
		if score > worst {
			worst = score
		}

		if score <= m.cfg.AnomalyK {
			delete(st.anomalySince, name)
			continue
		}

		since, tracked := st.anomalySince[name]
		if !tracked {
			st.anomalySince[name] = now
			continue
		}
		if now.Sub(since) < m.cfg.AnomalySustain {
			continue
		}

		if score > 2*m.cfg.AnomalyK {
			if st.status != StatusCritical && st.status != StatusRecovering {
				m.transition(st, StatusCritical, fmt.Sprintf("metric %s score %.1f breached hard threshold", name, score))
				anomalies = append(anomalies, Anomaly{ComponentID: st.id, Type: "metric_anomaly", Detail: name})
			}
		} else if st.status == StatusHealthy {
			m.transition(st, StatusDegraded, fmt.Sprintf("metric %s score %.1f breached soft threshold", name, score))
		}
	}
	st.anomalyScore = worst

	if st.status == StatusDegraded && len(st.anomalySince) == 0 {
		m.transition(st, StatusHealthy, "metrics back within baseline")
	}
	return anomalies
}

// dispatchAnomaly runs the policy action for an anomaly type. Recovery
// attempts are bounded; exhaustion transitions to FAILED and raises a
// manual-intervention alert. The action itself executes with the mutex
// released: restart actions stop components whose workers finish their
// cycle by calling Heartbeat, which needs the same mutex.
func (m *Monitor) dispatchAnomaly(a Anomaly) {
	log := m.log.WithComponent("health_monitor").WithFields(logger.Fields{
		"component": a.ComponentID,
		"anomaly":   a.Type,
		"detail":    a.Detail,
	})

	m.mu.Lock()
	st, ok := m.comps[a.ComponentID]
	if ok && st.status == StatusFailed {
		m.mu.Unlock()
		return
	}
	if ok && st.status != StatusCritical {
		m.transition(st, StatusCritical, fmt.Sprintf("anomaly %s", a.Type))
	}

	action := m.policies[a.Type]
	if action == nil && a.Type == "missed_heartbeats" && ok && st.restart != nil {
		action = st.restart
	}
	if action == nil {
		log.Warn("no recovery policy for anomaly")
		m.alert(a, "", "no_policy", models.SeverityWarning)
		m.mu.Unlock()
		return
	}

	if ok {
		if st.restartAttempts >= m.cfg.MaxRestartAttempts {
			m.transition(st, StatusFailed, "recovery attempts exhausted")
			m.alert(a, a.Type, "recovery_exhausted", models.SeverityCritical)
			m.mu.Unlock()
			return
		}
		st.restartAttempts++
		m.transition(st, StatusRecovering, fmt.Sprintf("recovery attempt %d for %s", st.restartAttempts, a.Type))
	}

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Unlock()

	err := action(ctx, a)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("recovery action failed")
		m.alert(a, a.Type, fmt.Sprintf("action failed: %v", err), models.SeverityCritical)
		// A heartbeat may have confirmed recovery while the action ran;
		// only demote if the component is still waiting on it.
		if ok && st.status == StatusRecovering {
			m.transition(st, StatusCritical, "recovery action failed")
		}
		return
	}

	log.Info("recovery action executed")
	m.alert(a, a.Type, "action executed", models.SeverityWarning)
}

// transition logs and applies a status change. Callers hold m.mu.
func (m *Monitor) transition(st *componentState, to Status, reason string) {
	from := st.status
	if from == to {
		return
	}
	st.status = to

	m.log.WithComponent("health_monitor").WithFields(logger.Fields{
		"component": st.id,
		"from":      string(from),
		"to":        string(to),
		"reason":    reason,
	}).Info("component status transition")
}

func (m *Monitor) alert(a Anomaly, action, outcome string, severity models.AlertSeverity) {
	if m.onAlert == nil {
		return
	}
	m.onAlert(models.Alert{
		ComponentID: a.ComponentID,
		Severity:    severity,
		Anomaly:     a.Type,
		Action:      action,
		Outcome:     outcome,
		Message:     a.Detail,
		RaisedAt:    m.now(),
	})
}
