package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/execms/oms/pkg/bus"
	"github.com/execms/oms/pkg/types"
)

// Event types published on the bus.
const (
	EventFailover          = "failover.switched"
	EventNoBackupAvailable = "failover.no_backup"
)

// Failover reasons.
const (
	ReasonAutoHealth   = "AUTO_HEALTH"
	ReasonManual       = "MANUAL"
	ReasonAutoRecovery = "AUTO_RECOVERY"
	// ReasonScheduled is declared for parity with the event schema; nothing
	// emits it.
	ReasonScheduled = "SCHEDULED"
)

// FailoverEvent is the payload of EventFailover.
type FailoverEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ProbeFunc checks one endpoint. The default probe calls FetchTime.
type ProbeFunc func(ctx context.Context, adapter types.ExchangeAdapter) error

// Registration describes an endpoint handed to the controller. Priority is
// a comparison key (lower wins) and is immutable after registration.
type Registration struct {
	ID        string
	Adapter   types.ExchangeAdapter
	Priority  int
	IsPrimary bool
	Probe     ProbeFunc
}

// Config carries the controller knobs.
type Config struct {
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	FailureThreshold    int
	RecoveryThreshold   int
	LatencyWarning      time.Duration
	LatencyCritical     time.Duration
	LatencyWindowSize   int
	EnableAutoFailover  bool
	FailoverCooldown    time.Duration
	EnableAutoRecovery  bool
	RecoveryWaitTime    time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		FailureThreshold:    3,
		RecoveryThreshold:   3,
		LatencyWarning:      500 * time.Millisecond,
		LatencyCritical:     2 * time.Second,
		LatencyWindowSize:   20,
		EnableAutoFailover:  true,
		FailoverCooldown:    time.Minute,
		EnableAutoRecovery:  true,
		RecoveryWaitTime:    5 * time.Minute,
	}
}

type endpoint struct {
	id       string
	adapter  types.ExchangeAdapter
	priority int
	probe    ProbeFunc

	status               Status
	consecutiveFailures  int
	consecutiveSuccesses int
	latency              *latencyWindow
	lastProbeAt          time.Time
	lastError            string
}

// Controller probes registered endpoints, elects a primary, and fails over
// when the primary stays unhealthy past the cooldown.
type Controller struct {
	mu             sync.RWMutex
	cfg            Config
	endpoints      map[string]*endpoint
	primaryID      string
	lastFailoverAt time.Time

	recoveryMu    sync.Mutex
	recoveryTimer *time.Timer

	bus    *bus.Bus
	logger *logrus.Entry

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewController creates a failover controller publishing on b.
func NewController(cfg Config, b *bus.Bus) *Controller {
	if cfg.HealthCheckInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Controller{
		cfg:       cfg,
		endpoints: make(map[string]*endpoint),
		bus:       b,
		logger:    logrus.WithField("component", "failover"),
		stopCh:    make(chan struct{}),
	}
}

// Register adds an endpoint. The registrant becomes primary when flagged or
// when no primary exists yet.
func (c *Controller) Register(reg Registration) error {
	if reg.Adapter == nil {
		return fmt.Errorf("endpoint %s: nil adapter", reg.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.endpoints[reg.ID]; exists {
		return fmt.Errorf("endpoint %s already registered", reg.ID)
	}

	probe := reg.Probe
	if probe == nil {
		probe = defaultProbe
	}

	c.endpoints[reg.ID] = &endpoint{
		id:       reg.ID,
		adapter:  reg.Adapter,
		priority: reg.Priority,
		probe:    probe,
		status:   StatusUnknown,
		latency:  newLatencyWindow(c.cfg.LatencyWindowSize),
	}

	if reg.IsPrimary || c.primaryID == "" {
		c.primaryID = reg.ID
		c.logger.Infof("endpoint %s registered as primary (priority %d)", reg.ID, reg.Priority)
	} else {
		c.logger.Infof("endpoint %s registered (priority %d)", reg.ID, reg.Priority)
	}
	return nil
}

func defaultProbe(ctx context.Context, adapter types.ExchangeAdapter) error {
	_, err := adapter.FetchTime(ctx)
	return err
}

// Start launches the probe loop.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.ProbeOnce(ctx)
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts probing and any pending recovery timer.
func (c *Controller) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.recoveryMu.Lock()
	if c.recoveryTimer != nil {
		c.recoveryTimer.Stop()
		c.recoveryTimer = nil
	}
	c.recoveryMu.Unlock()
	c.wg.Wait()
}

// ProbeOnce runs one concurrent probe pass over all endpoints, then applies
// the election rules. Exposed so callers and tests can drive passes
// deterministically.
func (c *Controller) ProbeOnce(ctx context.Context) {
	c.mu.RLock()
	targets := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		targets = append(targets, ep)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ep := range targets {
		ep := ep
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probeEndpoint(ctx, ep)
		}()
	}
	wg.Wait()

	c.electIfNeeded()
}

func (c *Controller) probeEndpoint(ctx context.Context, ep *endpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := ep.probe(probeCtx, ep.adapter)
	latency := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()

	ep.lastProbeAt = time.Now()
	if err != nil {
		ep.consecutiveFailures++
		ep.consecutiveSuccesses = 0
		ep.lastError = err.Error()
		if ep.consecutiveFailures >= c.cfg.FailureThreshold {
			ep.status = StatusOffline
		} else {
			ep.status = StatusUnhealthy
		}
		c.logger.Warnf("probe failed for %s (streak %d, status %s): %v", ep.id, ep.consecutiveFailures, ep.status, err)
		return
	}

	ep.consecutiveSuccesses++
	ep.consecutiveFailures = 0
	ep.lastError = ""
	ep.latency.record(latency)
	if ep.latency.avg() < c.cfg.LatencyWarning {
		ep.status = StatusHealthy
	} else {
		ep.status = StatusDegraded
	}
}

func (c *Controller) electIfNeeded() {
	if !c.cfg.EnableAutoFailover {
		return
	}

	c.mu.Lock()
	primary := c.endpoints[c.primaryID]
	if primary == nil || primary.status.usable() {
		c.mu.Unlock()
		return
	}
	if time.Since(c.lastFailoverAt) < c.cfg.FailoverCooldown {
		c.mu.Unlock()
		return
	}

	candidate := c.bestCandidateLocked(c.primaryID)
	if candidate == nil {
		c.mu.Unlock()
		c.logger.Errorf("primary %s is %s and no backup endpoint is usable", primary.id, primary.status)
		c.bus.Publish(EventNoBackupAvailable, FailoverEvent{From: primary.id, Reason: ReasonAutoHealth, Timestamp: time.Now()})
		return
	}

	from := c.primaryID
	c.primaryID = candidate.id
	c.lastFailoverAt = time.Now()
	c.mu.Unlock()

	c.logger.Warnf("failover: %s -> %s (%s)", from, candidate.id, ReasonAutoHealth)
	c.bus.Publish(EventFailover, FailoverEvent{From: from, To: candidate.id, Reason: ReasonAutoHealth, Timestamp: time.Now()})

	if c.cfg.EnableAutoRecovery {
		c.scheduleRecovery(from)
	}
}

// bestCandidateLocked picks the usable non-primary endpoint with the lowest
// priority value. Caller holds c.mu.
func (c *Controller) bestCandidateLocked(exclude string) *endpoint {
	var best *endpoint
	for _, ep := range c.endpoints {
		if ep.id == exclude || !ep.status.usable() {
			continue
		}
		if best == nil || ep.priority < best.priority {
			best = ep
		}
	}
	return best
}

// scheduleRecovery arms a one-shot that promotes the demoted endpoint back
// once it has recovered and outranks the current primary.
func (c *Controller) scheduleRecovery(demoted string) {
	c.recoveryMu.Lock()
	defer c.recoveryMu.Unlock()

	if c.recoveryTimer != nil {
		c.recoveryTimer.Stop()
	}
	c.recoveryTimer = time.AfterFunc(c.cfg.RecoveryWaitTime, func() {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if !c.tryRecover(demoted) {
			c.scheduleRecovery(demoted)
		}
	})
}

func (c *Controller) tryRecover(demoted string) bool {
	c.mu.Lock()
	ep := c.endpoints[demoted]
	current := c.endpoints[c.primaryID]
	if ep == nil || current == nil || demoted == c.primaryID {
		c.mu.Unlock()
		return true
	}
	if ep.status != StatusHealthy ||
		ep.consecutiveSuccesses < c.cfg.RecoveryThreshold ||
		ep.priority >= current.priority {
		c.mu.Unlock()
		return false
	}

	from := c.primaryID
	c.primaryID = demoted
	c.lastFailoverAt = time.Now()
	c.mu.Unlock()

	c.logger.Infof("recovery: %s -> %s (%s)", from, demoted, ReasonAutoRecovery)
	c.bus.Publish(EventFailover, FailoverEvent{From: from, To: demoted, Reason: ReasonAutoRecovery, Timestamp: time.Now()})
	return true
}

// SwitchTo promotes the endpoint unconditionally.
func (c *Controller) SwitchTo(id string) error {
	c.mu.Lock()
	if _, ok := c.endpoints[id]; !ok {
		c.mu.Unlock()
		return types.ErrEndpointNotFound
	}
	from := c.primaryID
	if from == id {
		c.mu.Unlock()
		return nil
	}
	c.primaryID = id
	c.lastFailoverAt = time.Now()
	c.mu.Unlock()

	c.logger.Infof("manual switch: %s -> %s", from, id)
	c.bus.Publish(EventFailover, FailoverEvent{From: from, To: id, Reason: ReasonManual, Timestamp: time.Now()})
	return nil
}

// Primary returns the current primary endpoint id.
func (c *Controller) Primary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primaryID
}

// Adapter returns the adapter for an endpoint id.
func (c *Controller) Adapter(id string) (types.ExchangeAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ep, ok := c.endpoints[id]
	if !ok {
		return nil, types.ErrEndpointNotFound
	}
	return ep.adapter, nil
}

// PrimaryAdapter returns the current primary's adapter.
func (c *Controller) PrimaryAdapter() (string, types.ExchangeAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ep, ok := c.endpoints[c.primaryID]
	if !ok {
		return "", nil, types.ErrNoHealthyEndpoint
	}
	return ep.id, ep.adapter, nil
}

// HealthyEndpoints lists usable endpoint ids ordered by priority, primary
// first.
func (c *Controller) HealthyEndpoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if ep.status.usable() {
			ids = append(ids, ep.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i] == c.primaryID {
			return true
		}
		if ids[j] == c.primaryID {
			return false
		}
		return c.endpoints[ids[i]].priority < c.endpoints[ids[j]].priority
	})
	return ids
}

// Health returns a snapshot of one endpoint's health.
func (c *Controller) Health(id string) (Health, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ep, ok := c.endpoints[id]
	if !ok {
		return Health{}, types.ErrEndpointNotFound
	}
	return Health{
		ID:                   ep.id,
		Status:               ep.status,
		Priority:             ep.priority,
		ConsecutiveFailures:  ep.consecutiveFailures,
		ConsecutiveSuccesses: ep.consecutiveSuccesses,
		AvgLatency:           ep.latency.avg(),
		LastProbeAt:          ep.lastProbeAt,
		LastError:            ep.lastError,
	}, nil
}
