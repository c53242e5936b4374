package eventbus

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFetchRequestMarshal(t *testing.T) {
	t.Parallel()

	req := &FetchRequest{
		TopicName:    "/event/Print_Job__e",
		ReplayPreset: ReplayCustom,
		ReplayID:     []byte{0xde, 0xad},
		NumRequested: 5,
	}

	var gotTopic string
	var gotPreset, gotNum uint64
	var gotReplay []byte
	err := scanFields(req.marshal(), func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case 1:
			gotTopic = string(value)
		case 2:
			gotPreset = varint(value)
		case 3:
			gotReplay = append([]byte(nil), value...)
		case 4:
			gotNum = varint(value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scanFields() err=%v", err)
	}

	if gotTopic != req.TopicName {
		t.Errorf("topic=%q, want %q", gotTopic, req.TopicName)
	}
	if ReplayPreset(gotPreset) != ReplayCustom {
		t.Errorf("preset=%d, want custom", gotPreset)
	}
	if !bytes.Equal(gotReplay, req.ReplayID) {
		t.Errorf("replay id=%v, want %v", gotReplay, req.ReplayID)
	}
	if gotNum != 5 {
		t.Errorf("num requested=%d, want 5", gotNum)
	}
}

func TestFetchRequestMarshal_CreditOnly(t *testing.T) {
	t.Parallel()

	// A top-up request carries only the credit field.
	b := (&FetchRequest{NumRequested: 1}).marshal()
	fields := 0
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		fields++
		if num != 4 {
			t.Errorf("unexpected field %d in credit request", num)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if fields != 1 {
		t.Fatalf("credit request has %d fields, want 1", fields)
	}
}

// encodeFetchResponse builds server bytes the way the service would, so
// the decode path is tested against independently constructed wire data.
func encodeFetchResponse(t *testing.T, resp *FetchResponse) []byte {
	t.Helper()

	var b []byte
	for _, ev := range resp.Events {
		var pe []byte
		pe = protowire.AppendTag(pe, 1, protowire.BytesType)
		pe = protowire.AppendString(pe, ev.Event.ID)
		pe = protowire.AppendTag(pe, 2, protowire.BytesType)
		pe = protowire.AppendString(pe, ev.Event.SchemaID)
		pe = protowire.AppendTag(pe, 3, protowire.BytesType)
		pe = protowire.AppendBytes(pe, ev.Event.Payload)

		var ce []byte
		ce = protowire.AppendTag(ce, 1, protowire.BytesType)
		ce = protowire.AppendBytes(ce, pe)
		ce = protowire.AppendTag(ce, 2, protowire.BytesType)
		ce = protowire.AppendBytes(ce, ev.ReplayID)

		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, ce)
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, resp.LatestReplayID)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, resp.RPCID)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.PendingNumRequested))
	// An unknown field must be skipped, not rejected.
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	return b
}

func TestUnmarshalFetchResponse(t *testing.T) {
	t.Parallel()

	want := &FetchResponse{
		Events: []ConsumerEvent{
			{
				Event:    ProducerEvent{ID: "e1", SchemaID: "s1", Payload: []byte{0x01, 0x02}},
				ReplayID: []byte{0xaa},
			},
			{
				Event:    ProducerEvent{ID: "e2", SchemaID: "s1", Payload: []byte{0x03}},
				ReplayID: []byte{0xbb},
			},
		},
		LatestReplayID:      []byte{0xbb},
		RPCID:               "rpc-1",
		PendingNumRequested: 3,
	}

	got, err := unmarshalFetchResponse(encodeFetchResponse(t, want))
	if err != nil {
		t.Fatalf("unmarshalFetchResponse() err=%v", err)
	}

	if len(got.Events) != 2 {
		t.Fatalf("events=%d, want 2", len(got.Events))
	}
	if got.Events[0].Event.ID != "e1" || got.Events[1].Event.SchemaID != "s1" {
		t.Errorf("event fields wrong: %+v", got.Events)
	}
	if !bytes.Equal(got.Events[1].ReplayID, []byte{0xbb}) {
		t.Errorf("replay id=%v, want [0xbb]", got.Events[1].ReplayID)
	}
	if !bytes.Equal(got.Events[0].Event.Payload, []byte{0x01, 0x02}) {
		t.Errorf("payload=%v", got.Events[0].Event.Payload)
	}
	if got.RPCID != "rpc-1" || got.PendingNumRequested != 3 {
		t.Errorf("rpc_id=%q pending=%d", got.RPCID, got.PendingNumRequested)
	}
}

func TestUnmarshalTopicInfo(t *testing.T) {
	t.Parallel()

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "/event/Print_Job__e")
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, "schema-1")

	info, err := unmarshalTopicInfo(b)
	if err != nil {
		t.Fatalf("unmarshalTopicInfo() err=%v", err)
	}
	if info.TopicName != "/event/Print_Job__e" || !info.CanSubscribe || info.SchemaID != "schema-1" {
		t.Fatalf("info=%+v", info)
	}
	if info.CanPublish {
		t.Error("CanPublish=true, field was absent")
	}
}
