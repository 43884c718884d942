package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"swiftly/network"
)

// DefaultPairingTimeout is how long a requester waits for the target's answer.
const DefaultPairingTimeout = 10 * time.Second

var (
	// ErrTimedOut indicates no pairing response arrived within the window.
	ErrTimedOut = errors.New("relay: pairing timed out")
	// ErrPairingInProgress indicates the requester already has a pending handshake.
	ErrPairingInProgress = errors.New("relay: pairing already in progress")
	// ErrSuperseded indicates a newer request from the same requester replaced this one.
	ErrSuperseded = errors.New("relay: pairing superseded")
	// ErrNoPendingPairing indicates a response that matches no pending handshake.
	ErrNoPendingPairing = errors.New("relay: no pending pairing")
	// ErrPeerDisconnected indicates the other party left before the handshake resolved.
	ErrPeerDisconnected = errors.New("relay: peer disconnected")
	// ErrInvalidTarget indicates a request that cannot name a pairing partner.
	ErrInvalidTarget = errors.New("relay: invalid pairing target")
)

// PairingState is the requester-side state of one handshake.
type PairingState string

const (
	PairingIdle             PairingState = "IDLE"
	PairingRequesting       PairingState = "REQUESTING"
	PairingConnected        PairingState = "CONNECTED"
	PairingDeclined         PairingState = "DECLINED"
	PairingTimedOut         PairingState = "TIMED_OUT"
	PairingTargetNotFound   PairingState = "TARGET_NOT_FOUND"
	PairingPeerDisconnected PairingState = "PEER_DISCONNECTED"
	PairingAbandoned        PairingState = "ABANDONED"
)

// DuplicatePolicy decides what a second request from the same requester does.
type DuplicatePolicy string

const (
	// DuplicateSupersede abandons the earlier handshake in favor of the new one.
	DuplicateSupersede DuplicatePolicy = "supersede"
	// DuplicateReject refuses the new request while one is pending.
	DuplicateReject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy accepts the config spelling of a policy.
func ParseDuplicatePolicy(value string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(value) {
	case "", DuplicateSupersede:
		return DuplicateSupersede, nil
	case DuplicateReject:
		return DuplicateReject, nil
	default:
		return "", fmt.Errorf("unknown duplicate pairing policy %q", value)
	}
}

// PairingOutcome is the target's answer.
type PairingOutcome struct {
	ResponderID string
	Accepted    bool
	PublicKey   string
}

// PairingResult is the terminal state of a handshake.
type PairingResult struct {
	State   PairingState
	Outcome PairingOutcome
	Err     error
}

// Handshake is one outstanding pairing request. It resolves exactly once.
type Handshake struct {
	ID          string
	RequesterID string
	TargetID    string
	StartedAt   time.Time

	once   sync.Once
	done   chan struct{}
	result PairingResult
	timer  *time.Timer
}

func newHandshake(requesterID, targetID string, now time.Time) *Handshake {
	return &Handshake{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		TargetID:    targetID,
		StartedAt:   now,
		done:        make(chan struct{}),
	}
}

// Done is closed once the handshake resolves.
func (h *Handshake) Done() <-chan struct{} {
	return h.done
}

// Result returns the resolution, or false while the handshake is pending.
func (h *Handshake) Result() (PairingResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return PairingResult{State: PairingRequesting}, false
	}
}

// Wait blocks until the handshake resolves or ctx ends. Connected and
// Declined return a nil error; the other terminal states return their cause.
func (h *Handshake) Wait(ctx context.Context) (PairingResult, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return PairingResult{State: PairingRequesting}, ctx.Err()
	}
}

func (h *Handshake) resolve(result PairingResult) bool {
	resolved := false
	h.once.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		h.result = result
		close(h.done)
		resolved = true
	})
	return resolved
}

// CoordinatorOptions controls pairing behavior.
type CoordinatorOptions struct {
	Timeout         time.Duration
	DuplicatePolicy DuplicatePolicy
	// OnResolved observes every asynchronous resolution.
	OnResolved func(h *Handshake, result PairingResult)
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

func (o CoordinatorOptions) withDefaults() CoordinatorOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultPairingTimeout
	}
	if o.DuplicatePolicy == "" {
		o.DuplicatePolicy = DuplicateSupersede
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type pairKey struct {
	a, b string
}

func newPairKey(x, y string) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// Coordinator runs the pairing handshake. Handshakes are correlated by
// requester; each requester has at most one pending handshake.
type Coordinator struct {
	registry Registry
	options  CoordinatorOptions

	mu      sync.Mutex
	pending map[string]*Handshake
	pairs   map[pairKey]time.Time
}

// NewCoordinator returns a coordinator that reaches endpoints through registry.
func NewCoordinator(registry Registry, options CoordinatorOptions) *Coordinator {
	return &Coordinator{
		registry: registry,
		options:  options.withDefaults(),
		pending:  make(map[string]*Handshake),
		pairs:    make(map[pairKey]time.Time),
	}
}

// InitiatePairing relays a pairing request to targetID and returns the
// awaitable handshake. An unresolvable target fails synchronously with
// ErrTargetNotFound and the target is never contacted.
func (c *Coordinator) InitiatePairing(requesterID, targetID, publicKey string) (*Handshake, error) {
	if targetID == "" || targetID == requesterID {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, targetID)
	}
	if _, err := c.registry.Resolve(targetID); err != nil {
		return nil, err
	}

	handshake := newHandshake(requesterID, targetID, c.options.Now())

	c.mu.Lock()
	previous := c.pending[requesterID]
	if previous != nil && c.options.DuplicatePolicy == DuplicateReject {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrPairingInProgress, requesterID, previous.TargetID)
	}
	c.pending[requesterID] = handshake
	handshake.timer = time.AfterFunc(c.options.Timeout, func() {
		c.expire(handshake)
	})
	c.mu.Unlock()

	if previous != nil {
		if c.finish(previous, PairingResult{State: PairingAbandoned, Err: ErrSuperseded}, network.PairingCodeSuperseded) {
			c.cancelAtTarget(previous, network.PairingCodeSuperseded, ErrSuperseded)
		}
	}

	err := c.registry.Send(targetID, network.PairingRequest{
		Type:        network.TypePairingRequest,
		RequesterID: requesterID,
		PairingID:   handshake.ID,
		PublicKey:   publicKey,
	})
	if err != nil {
		if c.detach(handshake) {
			handshake.resolve(PairingResult{State: PairingTargetNotFound, Err: err})
		}
		if errors.Is(err, ErrTargetNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTargetNotFound, err)
	}

	c.options.Logger.WithFields(logrus.Fields{
		"requester": requesterID,
		"target":    targetID,
	}).Info("pairing request relayed")
	return handshake, nil
}

// RespondToPairing resolves the pending handshake of requesterID with the
// responder's decision and relays the response to the requester.
func (c *Coordinator) RespondToPairing(responderID, requesterID string, accepted bool, publicKey string) error {
	c.mu.Lock()
	handshake, ok := c.pending[requesterID]
	if !ok || handshake.TargetID != responderID {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrNoPendingPairing, requesterID, responderID)
	}
	delete(c.pending, requesterID)
	if accepted {
		c.pairs[newPairKey(requesterID, responderID)] = c.options.Now()
	}
	c.mu.Unlock()

	outcome := PairingOutcome{ResponderID: responderID, Accepted: accepted, PublicKey: publicKey}
	state := PairingDeclined
	if accepted {
		state = PairingConnected
	}
	handshake.resolve(PairingResult{State: state, Outcome: outcome})
	c.notifyResolved(handshake)

	c.options.Logger.WithFields(logrus.Fields{
		"requester": requesterID,
		"responder": responderID,
		"accepted":  accepted,
	}).Info("pairing resolved")

	err := c.registry.Send(requesterID, network.PairingResponse{
		Type:        network.TypePairingResponse,
		ResponderID: responderID,
		Accepted:    accepted,
		PublicKey:   publicKey,
	})
	if err != nil {
		c.Unpair(requesterID, responderID)
		return err
	}
	return nil
}

// Paired reports whether a and b completed a handshake and are both still connected.
func (c *Coordinator) Paired(a, b string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pairs[newPairKey(a, b)]
	return ok
}

// Unpair forgets a recorded pairing.
func (c *Coordinator) Unpair(a, b string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pairs, newPairKey(a, b))
}

// Pending returns the outstanding handshake of requesterID.
func (c *Coordinator) Pending(requesterID string) (*Handshake, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handshake, ok := c.pending[requesterID]
	return handshake, ok
}

// PendingCount returns the number of outstanding handshakes.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ForgetEndpoint drops everything that involves a departed endpoint. Its own
// handshake is abandoned; handshakes targeting it resolve as PeerDisconnected.
func (c *Coordinator) ForgetEndpoint(id string) {
	var (
		abandoned *Handshake
		orphaned  []*Handshake
	)

	c.mu.Lock()
	for requesterID, handshake := range c.pending {
		switch {
		case requesterID == id:
			abandoned = handshake
			delete(c.pending, requesterID)
		case handshake.TargetID == id:
			orphaned = append(orphaned, handshake)
			delete(c.pending, requesterID)
		}
	}
	for key := range c.pairs {
		if key.a == id || key.b == id {
			delete(c.pairs, key)
		}
	}
	c.mu.Unlock()

	if abandoned != nil && abandoned.resolve(PairingResult{State: PairingAbandoned, Err: ErrPeerDisconnected}) {
		c.notifyResolved(abandoned)
		c.cancelAtTarget(abandoned, network.PairingCodePeerDisconnected, ErrPeerDisconnected)
	}
	for _, handshake := range orphaned {
		c.finish(handshake, PairingResult{State: PairingPeerDisconnected, Err: ErrPeerDisconnected}, network.PairingCodePeerDisconnected)
	}
}

func (c *Coordinator) expire(handshake *Handshake) {
	if !c.detach(handshake) {
		return
	}

	c.options.Logger.WithFields(logrus.Fields{
		"requester": handshake.RequesterID,
		"target":    handshake.TargetID,
	}).Info("pairing timed out")
	if c.finish(handshake, PairingResult{State: PairingTimedOut, Err: ErrTimedOut}, network.PairingCodeTimedOut) {
		c.cancelAtTarget(handshake, network.PairingCodeTimedOut, ErrTimedOut)
	}
}

// detach removes handshake if it is still the requester's pending one.
func (c *Coordinator) detach(handshake *Handshake) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[handshake.RequesterID] != handshake {
		return false
	}
	delete(c.pending, handshake.RequesterID)
	return true
}

// finish resolves a detached handshake and tells the requester why. It
// reports false when the handshake had already resolved.
func (c *Coordinator) finish(handshake *Handshake, result PairingResult, code string) bool {
	if !handshake.resolve(result) {
		return false
	}
	c.notifyResolved(handshake)

	err := c.registry.Send(handshake.RequesterID, network.PairingError{
		Type:     network.TypePairingError,
		Code:     code,
		Message:  result.Err.Error(),
		TargetID: handshake.TargetID,
	})
	if err != nil {
		c.options.Logger.WithError(err).WithField("requester", handshake.RequesterID).Debug("pairing error not delivered")
	}
	return true
}

// cancelAtTarget withdraws a relayed request the target never answered.
func (c *Coordinator) cancelAtTarget(handshake *Handshake, code string, cause error) {
	err := c.registry.Send(handshake.TargetID, network.PairingCancelled{
		Type:        network.TypePairingCancelled,
		Code:        code,
		Message:     cause.Error(),
		RequesterID: handshake.RequesterID,
		PairingID:   handshake.ID,
	})
	if err != nil {
		c.options.Logger.WithError(err).WithField("target", handshake.TargetID).Debug("pairing cancellation not delivered")
	}
}

func (c *Coordinator) notifyResolved(handshake *Handshake) {
	if c.options.OnResolved == nil {
		return
	}
	result, _ := handshake.Result()
	c.options.OnResolved(handshake, result)
}

// PairingErrorCode maps a pairing failure to its wire code.
func PairingErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTargetNotFound):
		return network.PairingCodeTargetNotFound
	case errors.Is(err, ErrTimedOut):
		return network.PairingCodeTimedOut
	case errors.Is(err, ErrPeerDisconnected):
		return network.PairingCodePeerDisconnected
	case errors.Is(err, ErrPairingInProgress):
		return network.PairingCodeInProgress
	case errors.Is(err, ErrSuperseded):
		return network.PairingCodeSuperseded
	case errors.Is(err, ErrInvalidTarget):
		return network.PairingCodeInvalidTarget
	default:
		return network.ErrorCodeInternal
	}
}
