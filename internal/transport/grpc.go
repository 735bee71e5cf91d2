package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"

	"github.com/clustercore/sumagent/internal/update"
)

// deliverMethod is the fully qualified gRPC method this adapter invokes on
// the master. The master-facing service definition lives outside this
// module's scope; this is a generic client that calls it directly rather
// than through generated stubs, since the update protobuf schema itself is
// an external collaborator.
const deliverMethod = "/sumagent.update.v1.StatusUpdateService/Deliver"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets grpc.ClientConn.Invoke exchange plain Go structs without
// generated protobuf stubs, while still going through real gRPC framing,
// dialing, and keepalive machinery.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// wireUpdate is the JSON representation of a StatusUpdate put on the wire.
type wireUpdate struct {
	FrameworkID string `json:"framework_id"`
	TaskID      string `json:"task_id"`
	UUID        string `json:"uuid"`
	Payload     []byte `json:"payload"`
}

type wireAck struct{}

// GRPCTransport sends updates to the master over a single long-lived gRPC
// connection per endpoint, redialing when the endpoint changes.
type GRPCTransport struct {
	config Config

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a transport with no connections yet open;
// connections are established lazily, one per distinct endpoint.
func NewGRPCTransport(config Config) *GRPCTransport {
	return &GRPCTransport{config: config, conns: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) connFor(endpoint string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[endpoint]; ok {
		return conn, nil
	}

	var opts []grpc.DialOption
	if t.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                60 * time.Second,
		Timeout:             20 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())))

	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial master %s: %w", endpoint, err)
	}
	t.conns[endpoint] = conn
	return conn, nil
}

// Send delivers u to endpoint over gRPC.
func (t *GRPCTransport) Send(ctx context.Context, endpoint string, u update.StatusUpdate) error {
	conn, err := t.connFor(endpoint)
	if err != nil {
		return err
	}

	req := wireUpdate{
		FrameworkID: u.FrameworkID,
		TaskID:      u.TaskID,
		UUID:        u.UUID.String(),
		Payload:     u.Payload,
	}
	var resp wireAck
	if err := conn.Invoke(ctx, deliverMethod, &req, &resp); err != nil {
		return fmt.Errorf("deliver update %s to %s: %w", u.UUID, endpoint, err)
	}
	return nil
}

// Close tears down every open connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for endpoint, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection to %s: %w", endpoint, err)
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}
