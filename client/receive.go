package client

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"swiftly/network"
	"swiftly/transfer"
)

type inboundTransfer struct {
	key   transfer.Key
	offer TransferOffer
	codec transfer.Codec
}

func (d *Device) handleTransferRequest(msg network.TransferRequest) {
	if msg.SenderID == "" || msg.FileID == "" {
		d.reportError(errors.New("transfer request without sender or file id"))
		return
	}

	offer := TransferOffer{SenderID: msg.SenderID, FileID: msg.FileID, File: msg.File}
	key := transfer.Key{SenderID: msg.SenderID, ReceiverID: d.id, Token: msg.FileID}
	if _, err := d.sessions.Open(key, msg.File); err != nil {
		d.reportError(err)
		d.answerTransfer(key, offer, false)
		return
	}

	d.logger.WithFields(logrus.Fields{
		"sender":  msg.SenderID,
		"file_id": msg.FileID,
		"name":    msg.File.Name,
		"size":    msg.File.Size,
	}).Info("transfer offered to us")

	if d.options.OnTransferRequest == nil {
		d.answerTransfer(key, offer, true)
		return
	}
	go func() {
		accept, err := d.options.OnTransferRequest(offer)
		if err != nil {
			d.reportError(err)
			accept = false
		}
		d.answerTransfer(key, offer, accept)
	}()
}

// answerTransfer records the decision and tells the sender. An accepted
// session streams before the sender learns of it so no chunk can outrun it.
func (d *Device) answerTransfer(key transfer.Key, offer TransferOffer, accept bool) {
	msgType := network.TypeTransferDeclined
	if accept {
		if _, err := d.sessions.Respond(key, true); err != nil {
			d.reportError(err)
			accept = false
		} else if _, err := d.sessions.BeginStreaming(key); err != nil {
			d.reportError(err)
			_, _ = d.sessions.Abort(key, err.Error())
			accept = false
		}
	}
	if accept {
		msgType = network.TypeTransferAccepted
		d.mu.Lock()
		d.inbound[key] = &inboundTransfer{key: key, offer: offer, codec: d.codecLocked(key.SenderID)}
		d.mu.Unlock()
	} else {
		_, _ = d.sessions.Respond(key, false)
	}

	err := d.send(network.TransferResponse{
		Type:     msgType,
		TargetID: key.SenderID,
		FileID:   key.Token,
	})
	if err != nil {
		d.reportError(err)
		if accept {
			d.dropInbound(key, err)
		}
	}
}

func (d *Device) handleFileChunk(msg network.FileChunk) {
	key := transfer.Key{SenderID: msg.SenderID, ReceiverID: d.id, Token: msg.FileID}
	in := d.inboundFor(key)
	if in == nil {
		d.reportError(fmt.Errorf("%w: no transfer %s", transfer.ErrInvalidChunk, key))
		return
	}

	raw, err := in.codec.Decode(msg.Chunk)
	if err != nil {
		d.failInbound(in, nil, fmt.Errorf("%w: chunk %d: %w", transfer.ErrInvalidChunk, msg.ChunkIndex, err))
		return
	}
	_, err = d.sessions.SubmitChunk(key, transfer.Chunk{
		Index:       msg.ChunkIndex,
		TotalChunks: msg.TotalChunks,
		Payload:     raw,
	})
	switch {
	case errors.Is(err, transfer.ErrInvalidChunk):
		// The chunk is dropped; the session keeps what it already holds.
		d.reportError(fmt.Errorf("drop chunk %d of %s: %w", msg.ChunkIndex, key.Token, err))
	case err != nil:
		d.failInbound(in, nil, err)
	}
}

func (d *Device) handleTransferComplete(msg network.TransferComplete) {
	key := transfer.Key{SenderID: msg.SenderID, ReceiverID: d.id, Token: msg.FileID}
	in := d.inboundFor(key)
	if in == nil {
		d.reportError(fmt.Errorf("%w: %s", transfer.ErrSessionNotFound, key))
		return
	}

	sink, err := d.options.NewSink(in.offer)
	if err != nil {
		d.failInbound(in, nil, err)
		return
	}
	if _, err := d.sessions.Finalize(key, sink); err != nil {
		d.failInbound(in, sink, err)
		return
	}
	location, err := sink.Commit()
	if err != nil {
		d.failInbound(in, nil, err)
		return
	}

	d.mu.Lock()
	delete(d.inbound, key)
	d.mu.Unlock()

	err = d.send(network.TransferResult{
		Type:     network.TypeTransferResult,
		TargetID: key.SenderID,
		FileID:   key.Token,
		Status:   network.TransferStatusCompleted,
	})
	if err != nil {
		d.reportError(err)
	}

	d.logger.WithFields(logrus.Fields{"file_id": key.Token, "location": location}).Info("file received")
	d.notifyReceived(Received{Offer: in.offer, Sink: sink, Location: location})
}

func (d *Device) handleTransferError(msg network.TransferError) {
	remote := &RemoteError{Code: msg.Code, Message: msg.Message}
	if d.deliverTransfer(msg.FileID, transferEvent{err: remote}) {
		return
	}

	d.mu.Lock()
	var found *inboundTransfer
	for key, in := range d.inbound {
		if key.Token == msg.FileID {
			found = in
			break
		}
	}
	d.mu.Unlock()

	if found == nil {
		d.reportError(remote)
		return
	}
	d.dropInbound(found.key, remote)
}

func (d *Device) handleTransferAborted(msg network.TransferAborted) {
	err := fmt.Errorf("%w: %s", transfer.ErrAborted, msg.Reason)
	if d.deliverTransfer(msg.FileID, transferEvent{err: err}) {
		return
	}
	d.dropInbound(transfer.Key{SenderID: msg.PeerID, ReceiverID: d.id, Token: msg.FileID}, err)
}

// failInbound ends an inbound transfer on our side and tells the sender.
func (d *Device) failInbound(in *inboundTransfer, sink Sink, cause error) {
	if sink != nil {
		if err := sink.Discard(); err != nil {
			d.reportError(err)
		}
	}

	err := d.send(network.TransferResult{
		Type:     network.TypeTransferResult,
		TargetID: in.key.SenderID,
		FileID:   in.key.Token,
		Status:   network.TransferStatusFailed,
		Message:  cause.Error(),
	})
	if err != nil {
		d.reportError(err)
	}
	d.dropInbound(in.key, cause)
}

// dropInbound forgets an inbound transfer without telling the sender.
func (d *Device) dropInbound(key transfer.Key, cause error) {
	d.mu.Lock()
	in, ok := d.inbound[key]
	delete(d.inbound, key)
	d.mu.Unlock()
	if !ok {
		return
	}

	_, _ = d.sessions.Abort(key, cause.Error())
	d.reportError(cause)
	d.notifyReceived(Received{Offer: in.offer, Err: cause})
}

func (d *Device) inboundFor(key transfer.Key) *inboundTransfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inbound[key]
}

func (d *Device) codecLocked(peerID string) transfer.Codec {
	if p, ok := d.peers[peerID]; ok && p.codec != nil {
		return p.codec
	}
	return transfer.Base64Codec{}
}

func (d *Device) notifyReceived(received Received) {
	if d.options.OnReceived != nil {
		d.options.OnReceived(received)
	}
}
