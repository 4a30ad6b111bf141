package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/podsync/internal/attachment"
	"github.com/lalith-99/podsync/internal/auth"
	"github.com/lalith-99/podsync/internal/authority"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/clock"
	"github.com/lalith-99/podsync/internal/ledger"
	"github.com/lalith-99/podsync/internal/middleware"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/repository/memory"
	"github.com/lalith-99/podsync/internal/service"
	"github.com/lalith-99/podsync/internal/syncadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "ws-secret"

type env struct {
	server *httptest.Server
	pods   *service.PodService
	users  *memory.UserStore
	podID  uuid.UUID
	owner  uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	clk := clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	users := memory.NewUserStore()
	l := ledger.New(memory.NewPodStore(), authority.New(0), clk, logger)
	b := bus.New(l, memory.NewMessageStore(), clk, 16, logger)
	names := service.NewDirectory(users, logger)
	pods := service.NewPodService(l, b, names, logger)
	messages := service.NewMessageService(l, b, attachment.Disabled{}, names, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(secret))
	v1.GET("/pods/:id/ws", NewHandler(ctx, messages, logger).Serve)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	e := &env{server: srv, pods: pods, users: users}
	e.owner = e.user("Olga")
	pod, err := pods.Create(context.Background(), e.owner, "Robotics", models.ScopeCampus)
	require.NoError(t, err)
	e.podID = pod.ID
	return e
}

func (e *env) user(name string) uuid.UUID {
	id := uuid.New()
	e.users.Put(models.User{ID: id, DisplayName: name})
	return id
}

func (e *env) member(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := e.user(name)
	_, err := e.pods.Join(context.Background(), e.podID, id)
	require.NoError(t, err)
	return id
}

func (e *env) dial(t *testing.T, userID uuid.UUID) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	token, err := auth.GenerateToken(userID, secret, time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/v1/pods/" + e.podID.String() + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func (e *env) connect(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	conn, _, err := e.dial(t, userID)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) bus.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f bus.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestSendReconcilesPendingMessage(t *testing.T) {
	e := newEnv(t)
	ada := e.member(t, "Ada")
	ben := e.member(t, "Ben")

	adaConn := e.connect(t, ada)
	benConn := e.connect(t, ben)

	tl := syncadapter.New(e.podID)
	require.True(t, tl.AddPending(ada, "Ada", "tmp-1", "hello", nil))

	require.NoError(t, adaConn.WriteJSON(Inbound{Type: TypeSend, Content: "hello", ClientTempID: "tmp-1"}))

	own := readFrame(t, adaConn)
	require.Equal(t, bus.FrameMessage, own.Type)
	require.NotNil(t, own.Message)
	assert.Equal(t, "tmp-1", own.Message.ClientTempID)
	assert.Equal(t, "Ada", own.Message.SenderDisplayName)

	assert.True(t, tl.Apply(own))
	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, own.Message.ID, entries[0].Message.ID)

	other := readFrame(t, benConn)
	require.Equal(t, bus.FrameMessage, other.Type)
	assert.Equal(t, own.Message.ID, other.Message.ID)
	assert.Equal(t, own.Message.Seq, other.Message.Seq)
}

func TestPingPong(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, e.owner)

	require.NoError(t, conn.WriteJSON(Inbound{Type: TypePing}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypePong, reply["type"])
}

func TestRejectedSendReturnsErrorFrame(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, e.owner)

	require.NoError(t, conn.WriteJSON(Inbound{Type: TypeSend, ClientTempID: "tmp-9"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply ErrorFrame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "INVALID_REQUEST", reply.Code)
	assert.Equal(t, "tmp-9", reply.ClientTempID)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, e.owner)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply ErrorFrame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypeError, reply.Type)

	require.NoError(t, conn.WriteJSON(Inbound{Type: TypePing}))
	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, TypePong, pong["type"])
}

func TestOutsiderCannotSubscribe(t *testing.T) {
	e := newEnv(t)
	outsider := e.user("Otto")

	conn, resp, err := e.dial(t, outsider)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownPodIsNotFound(t *testing.T) {
	e := newEnv(t)
	e.podID = uuid.New()

	_, resp, err := e.dial(t, e.owner)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKickedMemberSeesRemovalThenClose(t *testing.T) {
	e := newEnv(t)
	mia := e.member(t, "Mia")
	conn := e.connect(t, mia)

	_, err := e.pods.Kick(context.Background(), e.podID, e.owner, mia, "Spam")
	require.NoError(t, err)

	announce := readFrame(t, conn)
	require.Equal(t, bus.FrameMessage, announce.Type)
	assert.Equal(t, "Mia was removed (Spam)", announce.Message.Content)
	assert.Equal(t, models.MessageSystem, announce.Message.MessageType)

	membership := readFrame(t, conn)
	require.Equal(t, bus.FrameMembership, membership.Type)
	assert.Equal(t, models.RoleNone, membership.Pod.RoleOf(mia))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestDeleteSendsFinalFrame(t *testing.T) {
	e := newEnv(t)
	conn := e.connect(t, e.owner)

	_, err := e.pods.Delete(context.Background(), e.podID, e.owner)
	require.NoError(t, err)

	tl := syncadapter.New(e.podID)
	final := readFrame(t, conn)
	require.Equal(t, bus.FramePodDeleted, final.Type)
	assert.True(t, tl.Apply(final))
	assert.True(t, tl.Deleted())

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
