// Package bootstrap implements the client-side bootstrap state machine:
// obtaining Security/Server object credentials either by factory
// injection or by a conversation with a bootstrap server, before the
// registration state machine is allowed to run.
package bootstrap

import (
	"context"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"

	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/store"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/internal/obsmetrics"
	"github.com/openlwm2m/core/internal/transport"
	"github.com/openlwm2m/core/pkg/errors"
	"github.com/openlwm2m/core/pkg/logging"
)

// State is one node of the bootstrap lifecycle.
type State int

const (
	StateNotBootstrapped State = iota
	StatePending
	StateCheckExisting
	StateClientHoldOff
	StateFinishPending
	StateBootstrapped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotBootstrapped:
		return "NotBootStrapped"
	case StatePending:
		return "BootStrapPending"
	case StateCheckExisting:
		return "CheckExisting"
	case StateClientHoldOff:
		return "ClientHoldOff"
	case StateFinishPending:
		return "BootStrapFinishPending"
	case StateBootstrapped:
		return "BootStrapped"
	case StateFailed:
		return "BootStrapFailed"
	default:
		return "Unknown"
	}
}

const (
	securityObjectID uint16 = 0
	serverObjectID   uint16 = 1
)

// ExistingChecker reports whether at least one non-bootstrap security
// entry exists and is within its lifetime (the CheckExisting guard). The
// host supplies this because "lifetime" is read off the Server object's
// resources, a concern of the embedding session rather than this
// package.
type ExistingChecker func() bool

// Machine is the per-session bootstrap state machine.
type Machine struct {
	state State

	endpoint     string
	bootstrapURI string // empty string = factory mode
	holdOff      time.Duration
	maxRetries   int
	retries      int
	holdOffUntil time.Time

	hasExisting ExistingChecker
	store       *store.Store
	port        transport.Port
	logger      *logging.Logger
	metrics     *obsmetrics.Metrics
}

// SetMetrics installs the obsmetrics collector; nil disables
// instrumentation.
func (m *Machine) SetMetrics(metrics *obsmetrics.Metrics) {
	m.metrics = metrics
	if metrics != nil {
		metrics.BootstrapState.WithLabelValues(m.state.String()).Set(1)
	}
}

// setState transitions the machine and keeps the state gauge showing
// exactly one active state.
func (m *Machine) setState(s State) {
	if m.metrics != nil && s != m.state {
		m.metrics.BootstrapState.WithLabelValues(m.state.String()).Set(0)
		m.metrics.BootstrapState.WithLabelValues(s.String()).Set(1)
	}
	m.state = s
}

// Config carries the host-supplied parameters the machine needs.
type Config struct {
	Endpoint     string
	BootstrapURI string
	HoldOff      time.Duration
	MaxRetries   int
	HasExisting  ExistingChecker
}

// New creates a bootstrap machine in StateNotBootstrapped.
func New(cfg Config, st *store.Store, port transport.Port, logger *logging.Logger) *Machine {
	holdOff := cfg.HoldOff
	if holdOff <= 0 {
		holdOff = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Machine{
		state:        StateNotBootstrapped,
		endpoint:     cfg.Endpoint,
		bootstrapURI: cfg.BootstrapURI,
		holdOff:      holdOff,
		maxRetries:   maxRetries,
		hasExisting:  cfg.HasExisting,
		store:        st,
		port:         port,
		logger:       logger,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// FactoryBootstrap short-circuits the conversation: the host
// injects Security and Server object instances directly, and the machine
// moves straight from NotBootstrapped to Bootstrapped.
func (m *Machine) FactoryBootstrap(ctx context.Context, security, server *tree.Node) error {
	if _, _, err := m.store.ApplyTree(model.OriginBootstrap, securityObjectID, true, security); err != nil {
		return err
	}
	if _, _, err := m.store.ApplyTree(model.OriginBootstrap, serverObjectID, true, server); err != nil {
		return err
	}
	m.setState(StateBootstrapped)
	return nil
}

// Start begins the bootstrap conversation (used when BootstrapURI is
// non-empty, i.e. not factory mode): NotBootstrapped -> BootStrapPending,
// then CheckExisting or ClientHoldOff.
func (m *Machine) Start(now time.Time) {
	if m.bootstrapURI == "" {
		return
	}
	m.setState(StatePending)
	if m.hasExisting != nil && m.hasExisting() {
		m.setState(StateCheckExisting)
		return
	}
	m.setState(StateClientHoldOff)
	m.holdOffUntil = now.Add(m.holdOff)
}

// Tick advances timers: in ClientHoldOff, once HoldOffTime has elapsed it
// POSTs a bootstrap request to the bootstrap server and moves to
// BootStrapFinishPending. Transport failure retries with the bounded cap
// and ultimately moves to BootStrapFailed.
func (m *Machine) Tick(ctx context.Context, now time.Time) error {
	switch m.state {
	case StateCheckExisting:
		m.setState(StateBootstrapped)
		return nil
	case StateClientHoldOff:
		if now.Before(m.holdOffUntil) {
			return nil
		}
		req := &transport.Response{Code: codes.POST, Path: "/bs", Query: "ep=" + m.endpoint}
		if _, err := m.port.Send(ctx, m.bootstrapURI, req); err != nil {
			return m.onTransportFailure(err)
		}
		m.setState(StateFinishPending)
		return nil
	default:
		return nil
	}
}

func (m *Machine) onTransportFailure(err error) error {
	m.retries++
	if m.retries >= m.maxRetries {
		m.setState(StateFailed)
		if m.metrics != nil {
			m.metrics.BootstrapAttemptsTotal.WithLabelValues("failure").Inc()
		}
		return errors.TransportErr("bootstrap-request", err)
	}
	if m.logger != nil {
		m.logger.WithFields(nil).WithError(err).Warn("bootstrap: retrying after transport failure")
	}
	return nil
}

// AcceptWrite applies a PUT /0/<i> or /1/<i> write from the bootstrap
// server (origin=Bootstrap), valid only while BootStrapFinishPending.
// oid must be the Security or Server object id.
func (m *Machine) AcceptWrite(oid uint16, node *tree.Node) error {
	if m.state != StateFinishPending {
		return errors.Unauthorized("bootstrap write outside BootStrapFinishPending")
	}
	if oid != securityObjectID && oid != serverObjectID {
		return errors.NotDefined("bootstrap target object")
	}
	_, _, err := m.store.ApplyTree(model.OriginBootstrap, oid, true, node)
	return err
}

// Finish handles the POST /bs finish signal, completing the conversation.
func (m *Machine) Finish() error {
	if m.state != StateFinishPending {
		return errors.Unauthorized("bootstrap finish outside BootStrapFinishPending")
	}
	m.setState(StateBootstrapped)
	if m.metrics != nil {
		m.metrics.BootstrapAttemptsTotal.WithLabelValues("success").Inc()
	}
	return nil
}

// Restart allows the host to retry a failed conversation from scratch.
func (m *Machine) Restart(now time.Time) {
	m.retries = 0
	m.setState(StateNotBootstrapped)
	m.Start(now)
}
