package eventbus

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The Pub/Sub API speaks protobuf over gRPC. The five messages this
// client exchanges are small and flat, so they are encoded directly with
// protowire instead of carrying generated stubs for the whole API
// surface. Field numbers follow pubsub_api.proto (eventbus.v1).

type ReplayPreset int32

const (
	ReplayLatest   ReplayPreset = 0
	ReplayEarliest ReplayPreset = 1
	ReplayCustom   ReplayPreset = 2
)

// FetchRequest is the client half of the Subscribe stream. The first
// request names the topic and replay position; follow-ups only top up
// flow-control credit.
type FetchRequest struct {
	TopicName    string
	ReplayPreset ReplayPreset
	ReplayID     []byte
	NumRequested int32
}

func (r *FetchRequest) marshal() []byte {
	var b []byte
	if r.TopicName != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.TopicName)
	}
	if r.ReplayPreset != ReplayLatest {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ReplayPreset))
	}
	if len(r.ReplayID) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ReplayID)
	}
	if r.NumRequested != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.NumRequested))
	}
	return b
}

// FetchResponse is one server message on the Subscribe stream. An empty
// Events slice is a keepalive.
type FetchResponse struct {
	Events              []ConsumerEvent
	LatestReplayID      []byte
	RPCID               string
	PendingNumRequested int32
}

type ConsumerEvent struct {
	Event    ProducerEvent
	ReplayID []byte
}

type ProducerEvent struct {
	ID       string
	SchemaID string
	Payload  []byte
}

type SchemaRequest struct {
	SchemaID string
}

func (r *SchemaRequest) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.SchemaID)
	return b
}

type SchemaInfo struct {
	SchemaJSON string
	RPCID      string
	SchemaID   string
}

type TopicRequest struct {
	TopicName string
}

func (r *TopicRequest) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.TopicName)
	return b
}

type TopicInfo struct {
	TopicName    string
	TenantGUID   string
	CanPublish   bool
	CanSubscribe bool
	SchemaID     string
}

// fieldScanner walks a protobuf wire message and hands each field to the
// callback; unknown fields are skipped, which keeps this client tolerant
// of server-side additions.
func scanFields(data []byte, visit func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("bad wire tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("bad varint for field %d", num)
			}
			if err := visit(num, typ, data[:n]); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("bad bytes for field %d", num)
			}
			data = data[n:]
			if err := visit(num, typ, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("bad field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

func varint(value []byte) uint64 {
	v, _ := protowire.ConsumeVarint(value)
	return v
}

func unmarshalFetchResponse(data []byte) (*FetchResponse, error) {
	resp := &FetchResponse{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			ev, err := unmarshalConsumerEvent(value)
			if err != nil {
				return err
			}
			resp.Events = append(resp.Events, *ev)
		case 2:
			resp.LatestReplayID = append([]byte(nil), value...)
		case 3:
			resp.RPCID = string(value)
		case 4:
			resp.PendingNumRequested = int32(varint(value))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return resp, nil
}

func unmarshalConsumerEvent(data []byte) (*ConsumerEvent, error) {
	ev := &ConsumerEvent{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			return scanFields(value, func(num protowire.Number, typ protowire.Type, value []byte) error {
				switch num {
				case 1:
					ev.Event.ID = string(value)
				case 2:
					ev.Event.SchemaID = string(value)
				case 3:
					ev.Event.Payload = append([]byte(nil), value...)
				}
				return nil
			})
		case 2:
			ev.ReplayID = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode consumer event: %w", err)
	}
	return ev, nil
}

func unmarshalSchemaInfo(data []byte) (*SchemaInfo, error) {
	info := &SchemaInfo{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			info.SchemaJSON = string(value)
		case 2:
			info.RPCID = string(value)
		case 3:
			info.SchemaID = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode schema info: %w", err)
	}
	return info, nil
}

func unmarshalTopicInfo(data []byte) (*TopicInfo, error) {
	info := &TopicInfo{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			info.TopicName = string(value)
		case 2:
			info.TenantGUID = string(value)
		case 3:
			info.CanPublish = varint(value) != 0
		case 4:
			info.CanSubscribe = varint(value) != 0
		case 5:
			info.SchemaID = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode topic info: %w", err)
	}
	return info, nil
}
