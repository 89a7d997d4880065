package resultchan

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// viaClient 讓 Publish 走 gRPC 客戶端，其餘操作直接交給伺服端
type viaClient struct {
	*GRPCServer
	pub *GRPCPublisher
}

func (v viaClient) Publish(ctx context.Context, msg types.ResultMessage) error {
	return v.pub.Publish(ctx, msg)
}

func newBufconnChannel(t *testing.T) Channel {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := ServeGRPC(NewBroker(nil), lis, "passthrough:///bufnet", nil)

	pub, err := DialGRPC("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		pub.Close()
		server.Close()
	})
	return viaClient{GRPCServer: server, pub: pub}
}

func TestGRPCConformance(t *testing.T) {
	runConformance(t, newBufconnChannel)
}

func TestGRPCUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "results.sock")
	server, err := ListenGRPC(NewBroker(nil), "unix://"+sock, nil)
	require.NoError(t, err)
	defer server.Close()

	ep := server.Endpoint()
	assert.Equal(t, types.TransportGRPC, ep.Transport)
	assert.Equal(t, "unix://"+sock, ep.Address)

	pub, err := Dial(ep, t.TempDir())
	require.NoError(t, err)
	defer pub.Close()

	msg := okMessage(21, "classical", 5)
	msg.Status = types.ResultError
	msg.Error = "division by zero"
	msg.Payload = nil
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pub.Publish(ctx, msg))

	sub, err := server.Subscribe(ctx, Key{RunID: 21, Phase: "classical"})
	require.NoError(t, err)
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.Index, got.Index)
	assert.Equal(t, types.ResultError, got.Status)
	assert.Equal(t, "division by zero", got.Error)
	assert.Equal(t, msg.Usage, got.Usage)
	assert.Equal(t, msg.SentAt, got.SentAt)
}

func TestGRPCTCPListenerReportsAddress(t *testing.T) {
	server, err := ListenGRPC(NewBroker(nil), "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer server.Close()
	assert.NotEqual(t, "127.0.0.1:0", server.Endpoint().Address)
}

func TestGRPCServerIsChannel(t *testing.T) {
	var _ Channel = (*GRPCServer)(nil)
}

func TestMessageStructRoundTrip(t *testing.T) {
	msg := okMessage(1, "classical", 3)
	msg.Timings = []types.Timing{{Operation: "computing rates", Duration: 1500 * time.Microsecond, Calls: 2}}
	st, err := messageToStruct(msg)
	require.NoError(t, err)
	got, err := structToMessage(st)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
