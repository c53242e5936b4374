package eventbus

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"github.com/orrn/printbridge/internal/auth"
)

const (
	methodSubscribe = "/eventbus.v1.PubSub/Subscribe"
	methodGetSchema = "/eventbus.v1.PubSub/GetSchema"
	methodGetTopic  = "/eventbus.v1.PubSub/GetTopic"
)

// Stream is the client end of the Subscribe bidi stream.
type Stream interface {
	Send(*FetchRequest) error
	Recv() (*FetchResponse, error)
	CloseSend() error
}

// Transport is the slice of the Pub/Sub API this bridge needs. The
// subscriber depends on this interface so tests can drive it with an
// in-memory fake.
type Transport interface {
	Subscribe(ctx context.Context) (Stream, error)
	GetSchema(ctx context.Context, schemaID string) (*SchemaInfo, error)
	GetTopic(ctx context.Context, topic string) (*TopicInfo, error)
	Close() error
}

// TokenSource yields a currently valid access token. *auth.Store
// satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (*auth.Token, error)
}

// rawMessage carries pre-encoded protobuf bytes through grpc without a
// generated message type.
type rawMessage struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("rawCodec: cannot marshal %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("rawCodec: cannot unmarshal into %T", v)
	}
	m.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

// GRPCTransport talks to the Pub/Sub API over a single TLS connection.
// Every call carries the accesstoken/instanceurl/tenantid metadata the
// service authenticates with, sourced fresh from the token store.
type GRPCTransport struct {
	conn   *grpc.ClientConn
	tokens TokenSource
}

func NewGRPCTransport(addr string, tokens TokenSource) (*GRPCTransport, error) {
	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial pub/sub %s: %w", addr, err)
	}
	return &GRPCTransport{conn: conn, tokens: tokens}, nil
}

func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

// authContext attaches the session metadata. A refresh happens here
// transparently when the cached token is inside its safety margin.
func (t *GRPCTransport) authContext(ctx context.Context) (context.Context, error) {
	tok, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return metadata.AppendToOutgoingContext(ctx,
		"accesstoken", tok.Value,
		"instanceurl", tok.InstanceURL,
		"tenantid", tok.TenantID,
	), nil
}

var subscribeDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ClientStreams: true,
	ServerStreams: true,
}

func (t *GRPCTransport) Subscribe(ctx context.Context) (Stream, error) {
	ctx, err := t.authContext(ctx)
	if err != nil {
		return nil, err
	}

	cs, err := t.conn.NewStream(ctx, subscribeDesc, methodSubscribe)
	if err != nil {
		return nil, fmt.Errorf("open subscribe stream: %w", err)
	}
	return &grpcStream{cs: cs}, nil
}

type grpcStream struct {
	cs grpc.ClientStream
}

func (s *grpcStream) Send(req *FetchRequest) error {
	return s.cs.SendMsg(&rawMessage{data: req.marshal()})
}

func (s *grpcStream) Recv() (*FetchResponse, error) {
	var m rawMessage
	if err := s.cs.RecvMsg(&m); err != nil {
		return nil, err
	}
	return unmarshalFetchResponse(m.data)
}

func (s *grpcStream) CloseSend() error {
	return s.cs.CloseSend()
}

func (t *GRPCTransport) GetSchema(ctx context.Context, schemaID string) (*SchemaInfo, error) {
	ctx, err := t.authContext(ctx)
	if err != nil {
		return nil, err
	}

	req := &SchemaRequest{SchemaID: schemaID}
	var out rawMessage
	if err := t.conn.Invoke(ctx, methodGetSchema, &rawMessage{data: req.marshal()}, &out); err != nil {
		return nil, fmt.Errorf("get schema %s: %w", schemaID, err)
	}
	return unmarshalSchemaInfo(out.data)
}

func (t *GRPCTransport) GetTopic(ctx context.Context, topic string) (*TopicInfo, error) {
	ctx, err := t.authContext(ctx)
	if err != nil {
		return nil, err
	}

	req := &TopicRequest{TopicName: topic}
	var out rawMessage
	if err := t.conn.Invoke(ctx, methodGetTopic, &rawMessage{data: req.marshal()}, &out); err != nil {
		return nil, fmt.Errorf("get topic %s: %w", topic, err)
	}
	return unmarshalTopicInfo(out.data)
}
