package nonce

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// serverTimeRe pulls a millisecond epoch out of vendor drift errors such as
// "Timestamp for this request is outside of the recvWindow. Server time: 1712345678901".
var serverTimeRe = regexp.MustCompile(`(\d{13})`)

type state struct {
	lastIssued int64 // last nonce handed out, ms
	clockSkew  int64 // server clock minus local clock, ms
}

// Coordinator issues strictly increasing signing timestamps per endpoint and
// corrects for clock skew against the venue.
type Coordinator struct {
	mu     sync.Mutex
	states map[string]*state
	logger *logrus.Entry
	now    func() time.Time
}

// New creates a nonce coordinator.
func New() *Coordinator {
	return &Coordinator{
		states: make(map[string]*state),
		logger: logrus.WithField("component", "nonce"),
		now:    time.Now,
	}
}

func (c *Coordinator) state(endpoint string) *state {
	s, ok := c.states[endpoint]
	if !ok {
		s = &state{}
		c.states[endpoint] = s
	}
	return s
}

// Next issues max(now+skew, lastIssued+1) for the endpoint.
func (c *Coordinator) Next(endpoint string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(endpoint)
	nonce := c.now().UnixMilli() + s.clockSkew
	if nonce <= s.lastIssued {
		nonce = s.lastIssued + 1
	}
	s.lastIssued = nonce
	return nonce
}

// SyncClock anchors the skew on an authoritative server time, typically at
// startup from fetchTime.
func (c *Coordinator) SyncClock(endpoint string, serverTime int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(endpoint)
	s.clockSkew = serverTime - c.now().UnixMilli()
	c.logger.Debugf("endpoint %s clock skew set to %dms", endpoint, s.clockSkew)
}

// HandleDriftError reacts to a nonce/timestamp/signature rejection. If the
// vendor message carries a server timestamp the skew re-anchors on it,
// otherwise the skew advances by one second. lastIssued resets so the next
// nonce re-anchors on the corrected clock.
func (c *Coordinator) HandleDriftError(endpoint string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(endpoint)
	if m := serverTimeRe.FindString(err.Error()); m != "" {
		if serverTime, perr := strconv.ParseInt(m, 10, 64); perr == nil {
			s.clockSkew = serverTime - c.now().UnixMilli()
			s.lastIssued = 0
			c.logger.Warnf("endpoint %s nonce drift, re-anchored skew to %dms from server time", endpoint, s.clockSkew)
			return
		}
	}
	s.clockSkew += 1000
	s.lastIssued = 0
	c.logger.Warnf("endpoint %s nonce drift, advanced skew to %dms", endpoint, s.clockSkew)
}

// Skew returns the current skew for the endpoint, for diagnostics.
func (c *Coordinator) Skew(endpoint string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(endpoint).clockSkew
}
