package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"healthtree/internal/domain"
)

const maxPooledBatchCapacity = 4096

type decodeScratch struct {
	raws    []json.RawMessage
	events  []domain.AlertEvent
	indices []int
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{
			raws:    make([]json.RawMessage, 0, 16),
			events:  make([]domain.AlertEvent, 0, 16),
			indices: make([]int, 0, 16),
		}
	},
}

// decodedBatch is one ingest payload split into decodable alerts and per-element decode rejections.
type decodedBatch struct {
	events   []domain.AlertEvent
	indices  []int
	total    int
	rejected domain.BatchResult
}

// alertIdentity is the subset of alert fields echoed back in decode rejections.
type alertIdentity struct {
	RecordID       string `json:"record_id"`
	SubscriptionID string `json:"subscription_id"`
	ComponentID    string `json:"component_id"`
}

// decodeAlertPayloadInto auto-detects batch vs single payload and decodes each alert on its own.
// Params: raw JSON bytes with one object or array and scratch owned by caller.
// Returns: decoded batch aliasing scratch buffers (valid until scratch release), or error when
// the payload is not a JSON object/array at all.
func decodeAlertPayloadInto(raw []byte, scratch *decodeScratch) (decodedBatch, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return decodedBatch{}, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	raws := scratch.raws[:0]
	if payload[0] == '[' {
		if err := decoder.Decode(&raws); err != nil {
			return decodedBatch{}, fmt.Errorf("decode alert batch: %w", err)
		}
		if len(raws) == 0 {
			return decodedBatch{}, errors.New("alert batch must contain at least one alert")
		}
	} else {
		var element json.RawMessage
		if err := decoder.Decode(&element); err != nil {
			return decodedBatch{}, fmt.Errorf("decode alert: %w", err)
		}
		raws = append(raws, element)
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return decodedBatch{}, err
	}
	scratch.raws = raws

	batch := decodedBatch{
		events:  scratch.events[:0],
		indices: scratch.indices[:0],
		total:   len(raws),
	}
	for i, element := range raws {
		var event domain.AlertEvent
		if err := json.Unmarshal(element, &event); err != nil {
			batch.rejected.Reject(i, identityOf(element), domain.NewError(domain.KindValidation, "decode alert", err))
			continue
		}
		batch.events = append(batch.events, event)
		batch.indices = append(batch.indices, i)
	}
	scratch.events = batch.events
	scratch.indices = batch.indices
	return batch, nil
}

// identityOf extracts routing identity of undecodable alert on best-effort basis.
func identityOf(element json.RawMessage) domain.AlertEvent {
	var id alertIdentity
	_ = json.Unmarshal(element, &id)
	return domain.AlertEvent{RecordID: id.RecordID, SubscriptionID: id.SubscriptionID, ComponentID: id.ComponentID}
}

// submitDecoded forwards decodable alerts to sink and merges decode rejections back.
// Params: caller context, sink, and decoded batch.
// Returns: batch result indexed by payload position, and sink error.
func submitDecoded(ctx context.Context, sink AlertSink, batch decodedBatch) (domain.BatchResult, error) {
	var result domain.BatchResult
	result.Merge(batch.rejected)
	if len(batch.events) == 0 {
		return result, nil
	}
	partial, err := sink.SubmitAlerts(ctx, batch.events)
	for i := range partial.Rejected {
		if idx := partial.Rejected[i].Index; idx >= 0 && idx < len(batch.indices) {
			partial.Rejected[i].Index = batch.indices[idx]
		}
	}
	result.Merge(partial)
	sort.SliceStable(result.Rejected, func(i, j int) bool {
		return result.Rejected[i].Index < result.Rejected[j].Index
	})
	return result, err
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.events {
		scratch.events[i] = domain.AlertEvent{}
	}
	for i := range scratch.raws {
		scratch.raws[i] = nil
	}
	if cap(scratch.events) > maxPooledBatchCapacity || cap(scratch.raws) > maxPooledBatchCapacity {
		scratch.raws = make([]json.RawMessage, 0, 16)
		scratch.events = make([]domain.AlertEvent, 0, 16)
		scratch.indices = make([]int, 0, 16)
	} else {
		scratch.raws = scratch.raws[:0]
		scratch.events = scratch.events[:0]
		scratch.indices = scratch.indices[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
