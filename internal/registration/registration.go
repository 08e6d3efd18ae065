// Package registration implements the client-side registration state
// machine: one instance per configured LwM2M server, carrying the
// endpoint through Register -> Registered -> periodic Update ->
// Deregister, with bounded retry on failure. The machine exposes a
// single Tick(now) method the embedding session drives cooperatively;
// it owns no goroutine or timer of its own.
package registration

import (
	"context"
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"

	"github.com/openlwm2m/core/internal/linkformat"
	"github.com/openlwm2m/core/internal/obsmetrics"
	"github.com/openlwm2m/core/internal/transport"
	"github.com/openlwm2m/core/pkg/errors"
	"github.com/openlwm2m/core/pkg/logging"
)

// State is one node of the registration lifecycle.
type State int

const (
	StateNotRegistered State = iota
	StateRegister
	StateRegistering
	StateRegistered
	StateUpdating
	StateDeregister
	StateDeregistering
	StateRegisterFailed
	StateRegisterFailedRetry
)

func (s State) String() string {
	switch s {
	case StateNotRegistered:
		return "NotRegistered"
	case StateRegister:
		return "Register"
	case StateRegistering:
		return "Registering"
	case StateRegistered:
		return "Registered"
	case StateUpdating:
		return "UpdatingRegistration"
	case StateDeregister:
		return "Deregister"
	case StateDeregistering:
		return "Deregistering"
	case StateRegisterFailed:
		return "RegisterFailed"
	case StateRegisterFailedRetry:
		return "RegisterFailedRetry"
	default:
		return "Unknown"
	}
}

// ObjectLister reports the version-tagged object list to advertise in a
// Register body, e.g. `</1/0>;ver="1.1",</3/0>`; Update requests carry
// no object list.
type ObjectLister func() []linkformat.Entry

// Config carries the per-server parameters of one registration session.
type Config struct {
	Endpoint    string
	ServerURI   string
	Lifetime    int // seconds
	Binding     string
	Queued      bool
	Objects     ObjectLister
	MaxRetries  int
	RetryFloor  time.Duration
	RetryCeil   time.Duration
}

// Machine is one server's client-side registration state machine.
type Machine struct {
	cfg Config

	state      State
	location   string
	retries    int
	retryDelay time.Duration
	nextAction time.Time
	lastUpdate time.Time

	port    transport.Port
	logger  *logging.Logger
	metrics *obsmetrics.Metrics
}

// SetMetrics installs the obsmetrics collector; nil disables
// instrumentation.
func (m *Machine) SetMetrics(metrics *obsmetrics.Metrics) {
	m.metrics = metrics
	if metrics != nil {
		metrics.RegistrationState.WithLabelValues(m.cfg.ServerURI, m.state.String()).Set(1)
	}
}

// setState transitions the machine and keeps the state gauge showing
// exactly one active state per server.
func (m *Machine) setState(s State) {
	if m.metrics != nil && s != m.state {
		m.metrics.RegistrationState.WithLabelValues(m.cfg.ServerURI, m.state.String()).Set(0)
		m.metrics.RegistrationState.WithLabelValues(m.cfg.ServerURI, s.String()).Set(1)
	}
	m.state = s
}

func (m *Machine) recordAttempt(outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RegistrationAttemptsTotal.WithLabelValues(m.cfg.ServerURI, outcome).Inc()
}

// New creates a registration machine in StateNotRegistered.
func New(cfg Config, port transport.Port, logger *logging.Logger) *Machine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryFloor <= 0 {
		cfg.RetryFloor = 1 * time.Second
	}
	if cfg.RetryCeil <= 0 {
		cfg.RetryCeil = 60 * time.Second
	}
	return &Machine{cfg: cfg, state: StateNotRegistered, port: port, logger: logger}
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Location returns the server-assigned "/rd/<n>" path once registered.
func (m *Machine) Location() string { return m.location }

// Start arms the machine to attempt registration on the next Tick.
func (m *Machine) Start() {
	if m.state == StateNotRegistered {
		m.setState(StateRegister)
	}
}

// RequestDeregister arms the machine to deregister on the next Tick
// (e.g. on clean shutdown).
func (m *Machine) RequestDeregister() {
	if m.state == StateRegistered || m.state == StateUpdating {
		m.setState(StateDeregister)
	}
}

// Tick drives the state machine forward one step. now is used both to
// schedule the lifetime/2 update and to pace retry backoff.
func (m *Machine) Tick(ctx context.Context, now time.Time) error {
	switch m.state {
	case StateRegister:
		return m.doRegister(ctx, now)
	case StateRegisterFailedRetry:
		if now.Before(m.nextAction) {
			return nil
		}
		m.setState(StateRegister)
		return m.doRegister(ctx, now)
	case StateRegistered:
		if m.updateDue(now) {
			m.setState(StateUpdating)
			return m.doUpdate(ctx, now)
		}
		return nil
	case StateDeregister:
		return m.doDeregister(ctx, now)
	default:
		return nil
	}
}

func (m *Machine) updateDue(now time.Time) bool {
	half := time.Duration(m.cfg.Lifetime/2) * time.Second
	if half <= 0 {
		half = 30 * time.Second
	}
	return !now.Before(m.lastUpdate.Add(half))
}

func (m *Machine) doRegister(ctx context.Context, now time.Time) error {
	m.setState(StateRegistering)
	body := m.registerBody()
	resp, err := m.port.Send(ctx, m.cfg.ServerURI, &transport.Response{
		Code:    codes.POST,
		Path:    "/rd",
		Query:   fmt.Sprintf("ep=%s&lt=%d&b=%s", m.cfg.Endpoint, m.cfg.Lifetime, m.cfg.Binding),
		Payload: []byte(body),
	})
	if err != nil {
		m.recordAttempt("failure")
		return m.onFailure(now, err)
	}
	m.recordAttempt("success")
	// The Port contract hands back only the outbound message id, not
	// the server's Location-Path option; a transport that wants the real
	// "/rd/<n>" value needs to surface it some other way (e.g. folding it
	// into a follow-up Request the session observes via Receive). Absent
	// that, derive a placeholder location from the message id so every
	// other component still has a stable, session-unique handle to key on.
	m.location = fmt.Sprintf("/rd/%d", resp)
	m.setState(StateRegistered)
	m.lastUpdate = now
	m.retries = 0
	m.retryDelay = 0
	return nil
}

func (m *Machine) doUpdate(ctx context.Context, now time.Time) error {
	_, err := m.port.Send(ctx, m.cfg.ServerURI, &transport.Response{
		Code:  codes.POST,
		Path:  m.location,
		Query: fmt.Sprintf("lt=%d", m.cfg.Lifetime),
	})
	if err != nil {
		return m.onFailure(now, err)
	}
	m.setState(StateRegistered)
	m.lastUpdate = now
	return nil
}

func (m *Machine) doDeregister(ctx context.Context, now time.Time) error {
	m.setState(StateDeregistering)
	_, err := m.port.Send(ctx, m.cfg.ServerURI, &transport.Response{Code: codes.DELETE, Path: m.location})
	if err != nil {
		if m.logger != nil {
			m.logger.WithFields(nil).WithError(err).Warn("registration: deregister failed, giving up locally")
		}
	}
	m.setState(StateNotRegistered)
	m.location = ""
	return nil
}

// onFailure implements the bounded exponential backoff (a transport
// failure is Retryable()) between RegisterFailed and
// RegisterFailedRetry, capped at MaxRetries before giving up.
func (m *Machine) onFailure(now time.Time, cause error) error {
	m.retries++
	if m.retries > m.cfg.MaxRetries {
		m.setState(StateRegisterFailed)
		return errors.TransportErr("register", cause)
	}
	if m.retryDelay <= 0 {
		m.retryDelay = m.cfg.RetryFloor
	} else {
		m.retryDelay *= 2
		if m.retryDelay > m.cfg.RetryCeil {
			m.retryDelay = m.cfg.RetryCeil
		}
	}
	m.nextAction = now.Add(m.retryDelay)
	m.setState(StateRegisterFailedRetry)
	if m.logger != nil {
		m.logger.WithFields(nil).WithError(cause).Warn("registration: scheduling retry")
	}
	return nil
}

func (m *Machine) registerBody() string {
	var entries []linkformat.Entry
	if m.cfg.Objects != nil {
		entries = m.cfg.Objects()
	}
	return linkformat.Format(entries)
}
