package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"swiftly/network"
	"swiftly/transfer"
)

// SendResult describes a file the receiver confirmed.
type SendResult struct {
	FileID string
	Chunks int
	Bytes  uint64
}

type transferEvent struct {
	response *network.TransferResponse
	result   *network.TransferResult
	err      error
}

// SendFile offers src to peerID, streams it once accepted and waits for the
// receiver to confirm it reassembled the file.
func (d *Device) SendFile(ctx context.Context, peerID string, src Source) (SendResult, error) {
	metadata := src.Metadata()
	if err := metadata.Validate(); err != nil {
		return SendResult{}, err
	}

	fileID := uuid.NewString()
	logger := d.logger.WithFields(logrus.Fields{"peer": peerID, "file_id": fileID, "name": metadata.Name})
	events := d.registerOutbound(fileID)
	defer d.unregisterOutbound(fileID, events)

	err := d.send(network.TransferRequest{
		Type:     network.TypeTransferRequest,
		TargetID: peerID,
		FileID:   fileID,
		File:     metadata,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("send transfer request: %w", err)
	}
	logger.Info("transfer offered")

	event, err := d.waitForTransfer(ctx, events, d.options.ResponseTimeout, func(event transferEvent) bool {
		return event.response != nil
	})
	if err != nil {
		return SendResult{}, err
	}
	if event.response.Type == network.TypeTransferDeclined {
		return SendResult{}, fmt.Errorf("%w by %s", transfer.ErrDeclined, peerID)
	}

	codec := d.codecFor(peerID)
	chunkSize := d.options.ChunkSize
	total := transfer.ChunkCount(metadata.Size, chunkSize)
	key := transfer.Key{SenderID: d.id, ReceiverID: peerID, Token: fileID}

	for index := 0; index < total; index++ {
		if err := d.pacer.Wait(ctx); err != nil {
			return SendResult{}, err
		}
		if err := pollFailure(events); err != nil {
			return SendResult{}, err
		}

		raw, err := transfer.ReadChunk(src, metadata.Size, chunkSize, index)
		if err != nil {
			return SendResult{}, err
		}
		payload, err := codec.Encode(raw)
		if err != nil {
			return SendResult{}, err
		}
		err = d.send(network.FileChunk{
			Type:        network.TypeFileChunk,
			TargetID:    peerID,
			FileID:      fileID,
			Chunk:       payload,
			ChunkIndex:  index,
			TotalChunks: total,
		})
		if err != nil {
			return SendResult{}, fmt.Errorf("send chunk %d: %w", index, err)
		}
		d.emitProgress(key, index+1, total)
	}

	err = d.send(network.TransferComplete{
		Type:     network.TypeTransferComplete,
		TargetID: peerID,
		FileID:   fileID,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("send transfer complete: %w", err)
	}

	event, err = d.waitForTransfer(ctx, events, d.options.ResultTimeout, func(event transferEvent) bool {
		return event.result != nil
	})
	if err != nil {
		return SendResult{}, err
	}
	if event.result.Status != network.TransferStatusCompleted {
		return SendResult{}, fmt.Errorf("%w: %s", ErrTransferFailed, event.result.Message)
	}

	logger.WithField("chunks", total).Info("transfer confirmed")
	return SendResult{FileID: fileID, Chunks: total, Bytes: metadata.Size}, nil
}

func (d *Device) registerOutbound(fileID string) chan transferEvent {
	events := make(chan transferEvent, 16)
	d.mu.Lock()
	d.outbound[fileID] = events
	d.mu.Unlock()
	return events
}

func (d *Device) unregisterOutbound(fileID string, events chan transferEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outbound[fileID] == events {
		delete(d.outbound, fileID)
	}
}

// deliverTransfer routes an event to the SendFile call owning fileID.
func (d *Device) deliverTransfer(fileID string, event transferEvent) bool {
	d.mu.Lock()
	events := d.outbound[fileID]
	d.mu.Unlock()

	if events == nil {
		return false
	}
	select {
	case events <- event:
	default:
	}
	return true
}

// waitForTransfer returns the first matching event. Failures end the wait
// whether or not they match.
func (d *Device) waitForTransfer(ctx context.Context, events <-chan transferEvent, timeout time.Duration, match func(transferEvent) bool) (transferEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return transferEvent{}, ctx.Err()
		case <-d.done:
			return transferEvent{}, ErrClosed
		case <-timer.C:
			return transferEvent{}, context.DeadlineExceeded
		case event := <-events:
			if event.err != nil {
				return transferEvent{}, event.err
			}
			if match(event) {
				return event, nil
			}
		}
	}
}

func pollFailure(events <-chan transferEvent) error {
	for {
		select {
		case event := <-events:
			if event.err != nil {
				return event.err
			}
			if event.result != nil && event.result.Status != network.TransferStatusCompleted {
				return fmt.Errorf("%w: %s", ErrTransferFailed, event.result.Message)
			}
		default:
			return nil
		}
	}
}

func (d *Device) emitProgress(key transfer.Key, sent, total int) {
	if d.options.OnProgress == nil || total <= 0 {
		return
	}
	d.options.OnProgress(transfer.Progress{
		Key:      key,
		Received: sent,
		Total:    total,
		Percent:  sent * 100 / total,
	})
}
