package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appcrypto "swiftly/crypto"
	"swiftly/network"
	"swiftly/relay"
	"swiftly/transfer"
)

// PairingURIPrefix starts the text encoded in a pairing QR code.
const PairingURIPrefix = "swiftly://pair/"

// PairingURI returns the QR payload naming endpoint id.
func PairingURI(id string) string {
	return PairingURIPrefix + id
}

// ParsePairingURI accepts a pairing URI or a bare identifier.
func ParsePairingURI(text string) (string, error) {
	id := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), PairingURIPrefix))
	if id == "" || strings.ContainsAny(id, "/ ") {
		return "", fmt.Errorf("%w: %q", relay.ErrInvalidTarget, text)
	}
	return id, nil
}

// Pairing is a completed handshake with a peer.
type Pairing struct {
	PeerID string
	// Fingerprint is empty unless both sides exchanged keys.
	Fingerprint string
	Encrypted   bool
}

type pendingPairing struct {
	pairingID  string
	publicKey  string
	receivedAt time.Time
}

type pairingEvent struct {
	response *network.PairingResponse
	err      error
}

// Pair asks targetID to pair and waits for its answer. The relay times the
// request out on its own; ctx bounds the local wait.
func (d *Device) Pair(ctx context.Context, targetID string) (Pairing, error) {
	events := make(chan pairingEvent, 4)
	d.mu.Lock()
	d.pairWaiters[targetID] = events
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.pairWaiters[targetID] == events {
			delete(d.pairWaiters, targetID)
		}
		d.mu.Unlock()
	}()

	err := d.send(network.PairingRequest{
		Type:      network.TypePairingRequest,
		TargetID:  targetID,
		PublicKey: d.encodedPublicKey(),
	})
	if err != nil {
		return Pairing{}, fmt.Errorf("send pairing request: %w", err)
	}

	select {
	case <-ctx.Done():
		return Pairing{}, ctx.Err()
	case <-d.done:
		return Pairing{}, ErrClosed
	case event := <-events:
		if event.err != nil {
			return Pairing{}, event.err
		}
		if !event.response.Accepted {
			return Pairing{}, fmt.Errorf("%w by %s", ErrPairingDeclined, targetID)
		}
		pairing, err := d.addPeer(targetID, event.response.PublicKey)
		if err != nil {
			return Pairing{}, err
		}
		d.logger.WithFields(logrus.Fields{"peer": targetID, "encrypted": pairing.Encrypted}).Info("paired")
		return pairing, nil
	}
}

// RespondToPairing answers a pending inbound pairing request.
func (d *Device) RespondToPairing(requesterID string, accept bool) (Pairing, error) {
	d.mu.Lock()
	pending, ok := d.pendingPairing[requesterID]
	delete(d.pendingPairing, requesterID)
	d.mu.Unlock()
	if !ok {
		return Pairing{}, fmt.Errorf("%w: from %s", relay.ErrNoPendingPairing, requesterID)
	}

	var pairing Pairing
	if accept {
		var err error
		pairing, err = d.addPeer(requesterID, pending.publicKey)
		if err != nil {
			return Pairing{}, err
		}
	}

	err := d.send(network.PairingResponse{
		Type:      network.TypePairingResponse,
		TargetID:  requesterID,
		Accepted:  accept,
		PublicKey: d.encodedPublicKey(),
	})
	if err != nil {
		d.forgetPeer(requesterID)
		return Pairing{}, fmt.Errorf("send pairing response: %w", err)
	}

	d.logger.WithFields(logrus.Fields{"peer": requesterID, "accepted": accept}).Info("answered pairing request")
	return pairing, nil
}

// PendingPairings lists inbound requests awaiting RespondToPairing.
func (d *Device) PendingPairings() []PairingRequestNotification {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PairingRequestNotification, 0, len(d.pendingPairing))
	for requesterID, pending := range d.pendingPairing {
		out = append(out, PairingRequestNotification{
			RequesterID: requesterID,
			ReceivedAt:  pending.receivedAt,
			Fingerprint: d.fingerprintLocked(pending.publicKey),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequesterID < out[j].RequesterID
	})
	return out
}

// Peers lists paired devices.
func (d *Device) Peers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Fingerprint returns the verification code shared with a paired peer.
func (d *Device) Fingerprint(peerID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[peerID]
	if !ok || p.fingerprint == "" {
		return "", false
	}
	return p.fingerprint, true
}

func (d *Device) handlePairingRequest(msg network.PairingRequest) {
	requesterID := msg.RequesterID
	if requesterID == "" {
		d.reportError(fmt.Errorf("%w: pairing request without requester", relay.ErrInvalidTarget))
		return
	}

	d.mu.Lock()
	now := time.Now()
	d.pendingPairing[requesterID] = pendingPairing{pairingID: msg.PairingID, publicKey: msg.PublicKey, receivedAt: now}
	notification := PairingRequestNotification{
		RequesterID: requesterID,
		ReceivedAt:  now,
		Fingerprint: d.fingerprintLocked(msg.PublicKey),
	}
	d.mu.Unlock()

	d.logger.WithField("requester", requesterID).Info("pairing requested")

	switch {
	case d.options.AutoAcceptPairing:
		if _, err := d.RespondToPairing(requesterID, true); err != nil {
			d.reportError(err)
		}
	case d.options.OnPairingRequest != nil:
		go func() {
			accept, err := d.options.OnPairingRequest(notification)
			if err != nil {
				d.reportError(err)
				accept = false
			}
			_, err = d.RespondToPairing(requesterID, accept)
			switch {
			case errors.Is(err, relay.ErrNoPendingPairing):
				d.logger.WithField("requester", requesterID).Info("pairing request withdrawn before it was answered")
			case err != nil:
				d.reportError(err)
			}
		}()
	}
}

// handlePairingCancelled drops a request the relay will no longer accept an
// answer for. Without a pairing id the relay refused an answer already sent,
// so a peer recorded by that answer is forgotten.
func (d *Device) handlePairingCancelled(msg network.PairingCancelled) {
	logger := d.logger.WithFields(logrus.Fields{"requester": msg.RequesterID, "code": msg.Code})

	if msg.PairingID == "" {
		d.forgetPeer(msg.RequesterID)
		d.reportError(&RemoteError{Code: msg.Code, Message: msg.Message})
		return
	}

	d.mu.Lock()
	pending, ok := d.pendingPairing[msg.RequesterID]
	if ok && (pending.pairingID == "" || pending.pairingID == msg.PairingID) {
		delete(d.pendingPairing, msg.RequesterID)
	} else {
		ok = false
	}
	d.mu.Unlock()

	if ok {
		logger.Info("pairing request cancelled")
	}
}

func (d *Device) deliverPairing(peerID string, event pairingEvent) {
	d.mu.Lock()
	events := d.pairWaiters[peerID]
	d.mu.Unlock()

	if events == nil {
		if event.err != nil {
			d.reportError(event.err)
		}
		return
	}
	select {
	case events <- event:
	default:
	}
}

// addPeer records a pairing. With keys on both sides it derives the shared
// session key and seals chunks with it.
func (d *Device) addPeer(peerID, encodedKey string) (Pairing, error) {
	p := &peer{codec: transfer.Base64Codec{}}
	pairing := Pairing{PeerID: peerID}

	if d.privateKey != nil && encodedKey != "" {
		peerKey, err := appcrypto.ParseX25519PublicKey(encodedKey)
		if err != nil {
			return Pairing{}, err
		}
		shared, err := appcrypto.ComputeX25519SharedSecret(d.privateKey, peerKey)
		if err != nil {
			return Pairing{}, err
		}
		sessionKey, err := appcrypto.DeriveSessionKey(shared, d.id, peerID)
		if err != nil {
			return Pairing{}, err
		}
		codec, err := transfer.NewSealedCodec(sessionKey)
		if err != nil {
			return Pairing{}, err
		}
		p.codec = codec
		p.fingerprint = appcrypto.PairingFingerprint(d.publicKey, peerKey)
		pairing.Fingerprint = p.fingerprint
		pairing.Encrypted = true
	}

	d.mu.Lock()
	d.peers[peerID] = p
	d.mu.Unlock()
	return pairing, nil
}

func (d *Device) forgetPeer(peerID string) {
	d.mu.Lock()
	delete(d.peers, peerID)
	d.mu.Unlock()
}

func (d *Device) fingerprintLocked(encodedKey string) string {
	if d.publicKey == nil || encodedKey == "" {
		return ""
	}
	peerKey, err := appcrypto.ParseX25519PublicKey(encodedKey)
	if err != nil {
		return ""
	}
	return appcrypto.PairingFingerprint(d.publicKey, peerKey)
}
