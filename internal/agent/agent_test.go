package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/wilson1442/vpn-platform-sub001/internal/config"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

func nodeFor(t *testing.T, rawURL string) *models.VpnNode {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &models.VpnNode{ID: 7, Hostname: u.Hostname(), AgentPort: port, AgentToken: "tok-123"}
}

func TestHTTPDispatcher_Kick(t *testing.T) {
	var (
		gotAuth string
		gotPath string
		gotBody KickCommand
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher("http", time.Second)
	err := d.Kick(context.Background(), nodeFor(t, srv.URL), KickCommand{SessionID: 9, CommonName: "alice", Reason: models.KickReasonManual})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "/kick", gotPath)
	assert.Equal(t, "alice", gotBody.CommonName)
	assert.Equal(t, models.KickReasonManual, gotBody.Reason)
}

func TestHTTPDispatcher_PushCrlErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crl", r.URL.Path)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher("http", time.Second)
	err := d.PushCrl(context.Background(), nodeFor(t, srv.URL), CrlCommand{CrlPem: "pem", CrlVersion: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestCoADispatcher_Kick(t *testing.T) {
	const secret = "coa-secret"
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var gotUser string
	server := radius.PacketServer{
		SecretSource: radius.StaticSecretSource([]byte(secret)),
		Handler: radius.HandlerFunc(func(w radius.ResponseWriter, r *radius.Request) {
			gotUser = rfc2865.UserName_GetString(r.Packet)
			_ = w.Write(r.Response(radius.CodeDisconnectACK))
		}),
	}
	go func() { _ = server.Serve(pc) }()
	defer server.Shutdown(context.Background())

	port := pc.LocalAddr().(*net.UDPAddr).Port
	node := &models.VpnNode{ID: 1, Hostname: "127.0.0.1", MgmtPort: port}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d := NewCoADispatcher(secret)
	require.NoError(t, d.Kick(ctx, node, KickCommand{SessionID: 4, CommonName: "alice", Reason: models.KickReasonConcurrency}))
	assert.Equal(t, "alice", gotUser)

	assert.ErrorIs(t, d.PushCrl(ctx, node, CrlCommand{}), ErrUnsupported)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	kicks []KickCommand
	crls  []CrlCommand
	err   error
}

func (r *recordingDispatcher) Kick(_ context.Context, _ *models.VpnNode, cmd KickCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kicks = append(r.kicks, cmd)
	return r.err
}

func (r *recordingDispatcher) PushCrl(_ context.Context, _ *models.VpnNode, cmd CrlCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crls = append(r.crls, cmd)
	return r.err
}

func TestAsync_DeliversAndSwallowsErrors(t *testing.T) {
	rec := &recordingDispatcher{err: errors.New("agent unreachable")}
	a := NewAsync(rec, time.Second, zap.NewNop(), nil)

	a.Kick(models.VpnNode{ID: 1}, KickCommand{SessionID: 1, Reason: models.KickReasonManual})
	a.PushCrl(models.VpnNode{ID: 1}, CrlCommand{CrlVersion: 3})
	a.Wait()

	assert.Len(t, rec.kicks, 1)
	assert.Len(t, rec.crls, 1)
}

type blockingDispatcher struct {
	recordingDispatcher
	cancelled atomic.Bool
}

func (b *blockingDispatcher) Kick(ctx context.Context, _ *models.VpnNode, _ KickCommand) error {
	<-ctx.Done()
	b.cancelled.Store(true)
	return ctx.Err()
}

func TestAsync_TimesOut(t *testing.T) {
	b := &blockingDispatcher{}
	a := NewAsync(b, 20*time.Millisecond, zap.NewNop(), nil)
	a.Kick(models.VpnNode{ID: 1}, KickCommand{})
	a.Wait()
	assert.True(t, b.cancelled.Load())
}

func TestNew_SelectsTransport(t *testing.T) {
	for transport, want := range map[string]interface{}{
		"http": &HTTPDispatcher{},
		"coa":  &CoADispatcher{},
		"amqp": &AMQPDispatcher{},
	} {
		d, closeFn, err := New(&config.Config{AgentTransport: transport, AgentTimeout: time.Second}, zap.NewNop())
		require.NoError(t, err, transport)
		assert.IsType(t, want, d, transport)
		closeFn()
	}

	_, _, err := New(&config.Config{AgentTransport: "smoke-signals"}, zap.NewNop())
	assert.Error(t, err)
}

func TestEnvelope_Encoding(t *testing.T) {
	env := Envelope{Command: CommandKick, NodeID: 3, Kick: &KickCommand{SessionID: 5, CommonName: "bob", Reason: models.KickReasonCertRevoked}}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"kick","nodeId":3,"issuedAt":"0001-01-01T00:00:00Z","kick":{"sessionId":5,"commonName":"bob","reason":"cert_revoked"}}`, string(b))
	assert.Equal(t, "agent.3", QueueName(3))
}
