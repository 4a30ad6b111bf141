package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/authority"
	"github.com/lalith-99/podsync/internal/bus"
	"github.com/lalith-99/podsync/internal/clock"
	"github.com/lalith-99/podsync/internal/events"
	"github.com/lalith-99/podsync/internal/ledger"
	"github.com/lalith-99/podsync/internal/mocks"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	pods     *PodService
	messages *MessageService
	bus      *bus.Bus
	store    *mocks.AttachmentStoreMock
	emitter  *recordingEmitter
	users    *memory.UserStore
	clock    *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	users := memory.NewUserStore()
	l := ledger.New(memory.NewPodStore(), authority.New(0), clk, logger)
	b := bus.New(l, memory.NewMessageStore(), clk, 16, logger)
	names := NewDirectory(users, logger)
	store := new(mocks.AttachmentStoreMock)
	emitter := &recordingEmitter{}

	pods := NewPodService(l, b, names, logger)
	pods.SetEmitter(emitter)

	return &harness{
		pods:     pods,
		messages: NewMessageService(l, b, store, names, logger),
		bus:      b,
		store:    store,
		emitter:  emitter,
		users:    users,
		clock:    clk,
	}
}

func (h *harness) user(name string) uuid.UUID {
	id := uuid.New()
	h.users.Put(models.User{ID: id, DisplayName: name})
	return id
}

func (h *harness) systemTexts(t *testing.T, podID uuid.UUID) []string {
	t.Helper()
	history, err := h.bus.History(context.Background(), podID)
	require.NoError(t, err)
	texts := make([]string, 0)
	for _, m := range history {
		if m.MessageType == models.MessageSystem {
			texts = append(texts, m.Content)
		}
	}
	return texts
}

func TestJoinTwiceAnnouncesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	alice := h.user("Alice")

	pod, err := h.pods.Create(ctx, owner, "Chess club", models.ScopeCampus)
	require.NoError(t, err)

	first, err := h.pods.Join(ctx, pod.ID, alice)
	require.NoError(t, err)
	second, err := h.pods.Join(ctx, pod.ID, alice)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"Alice joined the pod"}, h.systemTexts(t, pod.ID))
	assert.Equal(t, []events.Kind{events.KindMembershipChanged}, h.emitter.kinds())
}

func TestAdminKicksMemberWithReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	admin := h.user("Xavier")
	member := h.user("Yuri")

	pod, err := h.pods.Create(ctx, owner, "Chess club", models.ScopeCampus)
	require.NoError(t, err)
	for _, id := range []uuid.UUID{admin, member} {
		_, err := h.pods.Join(ctx, pod.ID, id)
		require.NoError(t, err)
	}
	_, err = h.pods.Promote(ctx, pod.ID, owner, admin)
	require.NoError(t, err)

	memberSub, err := h.messages.Subscribe(ctx, pod.ID, member)
	require.NoError(t, err)
	ownerSub, err := h.messages.Subscribe(ctx, pod.ID, owner)
	require.NoError(t, err)

	after, err := h.pods.Kick(ctx, pod.ID, admin, member, "Spam")
	require.NoError(t, err)
	assert.NotContains(t, after.MemberIDs, member)

	texts := h.systemTexts(t, pod.ID)
	assert.Equal(t, "Yuri was removed (Spam)", texts[len(texts)-1])

	frame := <-ownerSub.C()
	assert.Equal(t, bus.FrameMessage, frame.Type)
	assert.Equal(t, "Yuri was removed (Spam)", frame.Message.Content)
	frame = <-ownerSub.C()
	assert.Equal(t, bus.FrameMembership, frame.Type)
	assert.Equal(t, after.Version, frame.Pod.Version)

	<-memberSub.Done()
	assert.Equal(t, bus.ReasonRemoved, memberSub.Reason())

	h.clock.Advance(10 * time.Minute)
	_, err = h.pods.Join(ctx, pod.ID, member)
	var cooldown *models.CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, 5, cooldown.MinutesRemaining)

	_, err = h.messages.Send(ctx, pod.ID, member, SendInput{Content: "still here?"})
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestSystemTexts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	a := h.user("Ann")
	b := h.user("Ben")
	c := h.user("Cid")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)
	for _, id := range []uuid.UUID{a, b, c} {
		_, err := h.pods.Join(ctx, pod.ID, id)
		require.NoError(t, err)
	}
	_, err = h.pods.Leave(ctx, pod.ID, a)
	require.NoError(t, err)
	_, err = h.pods.Kick(ctx, pod.ID, owner, b, "")
	require.NoError(t, err)
	_, err = h.pods.Ban(ctx, pod.ID, owner, c, "harassment")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Ann joined the pod",
		"Ben joined the pod",
		"Cid joined the pod",
		"Ann left the pod",
		"Ben was removed",
		"Cid was banned (harassment)",
	}, h.systemTexts(t, pod.ID))
}

func TestPromoteAndTransferAreSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	m := h.user("Mia")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)
	_, err = h.pods.Join(ctx, pod.ID, m)
	require.NoError(t, err)
	_, err = h.pods.Promote(ctx, pod.ID, owner, m)
	require.NoError(t, err)
	after, err := h.pods.TransferOwnership(ctx, pod.ID, owner, m)
	require.NoError(t, err)
	assert.Equal(t, m, after.OwnerID)

	assert.Equal(t, []string{"Mia joined the pod"}, h.systemTexts(t, pod.ID))
	assert.Len(t, h.emitter.kinds(), 3)
}

func TestUnknownUserFallsBackToID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	ghost := uuid.New()

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)
	_, err = h.pods.Join(ctx, pod.ID, ghost)
	require.NoError(t, err)

	assert.Equal(t, []string{ghost.String() + " joined the pod"}, h.systemTexts(t, pod.ID))
}

func TestFailedUploadPublishesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)

	data := []byte("pdf")
	h.store.On("Upload", mock.Anything, "notes.pdf", data).
		Return(nil, errors.Join(models.ErrUploadFailed, errors.New("timeout"))).Once()

	_, err = h.messages.Send(ctx, pod.ID, owner, SendInput{
		Content: "see attached",
		File:    &File{Name: "notes.pdf", Data: data},
	})
	assert.ErrorIs(t, err, models.ErrUploadFailed)

	history, err := h.messages.History(ctx, pod.ID, owner)
	require.NoError(t, err)
	assert.Empty(t, history)
	h.store.AssertExpectations(t)
}

func TestSendWithAttachment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)

	data := []byte("png")
	h.store.On("Upload", mock.Anything, "cat.png", data).
		Return(&models.Attachment{URL: "https://blobs.example/cat.png", Type: models.AttachmentImage}, nil).Once()

	msg, err := h.messages.Send(ctx, pod.ID, owner, SendInput{
		ClientTempID: "tmp-9",
		File:         &File{Name: "cat.png", Data: data},
	})
	require.NoError(t, err)
	assert.Equal(t, "Olga", msg.SenderDisplayName)
	assert.Equal(t, models.AttachmentImage, msg.AttachmentType)
	require.NotNil(t, msg.AttachmentURL)
	assert.Equal(t, "https://blobs.example/cat.png", *msg.AttachmentURL)
	assert.Equal(t, "tmp-9", msg.ClientTempID)
}

func TestOutsiderCannotUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)

	_, err = h.messages.Send(ctx, pod.ID, uuid.New(), SendInput{File: &File{Name: "x.bin", Data: []byte("x")}})
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	h.store.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)

	_, err = h.messages.History(ctx, pod.ID, uuid.New())
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestDeleteClosesChannelAndEmits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)
	sub, err := h.messages.Subscribe(ctx, pod.ID, owner)
	require.NoError(t, err)

	deleted, err := h.pods.Delete(ctx, pod.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.PodDeleted, deleted.Status)

	frame := <-sub.C()
	assert.Equal(t, bus.FramePodDeleted, frame.Type)
	<-sub.Done()
	assert.Equal(t, bus.ReasonPodDeleted, sub.Reason())

	assert.Equal(t, []events.Kind{events.KindPodDeleted}, h.emitter.kinds())

	_, err = h.pods.Join(ctx, pod.ID, h.user("Late"))
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.messages.Send(ctx, pod.ID, owner, SendInput{Content: "hello?"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAuditAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	m := h.user("Mia")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)
	_, err = h.pods.Join(ctx, pod.ID, m)
	require.NoError(t, err)

	_, err = h.pods.Audit(ctx, pod.ID, m)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)

	entries, err := h.pods.Audit(ctx, pod.ID, owner)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TransitionJoin, entries[0].Kind)
	assert.Equal(t, m, entries[0].ActorID)
}

func TestMembersRoster(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	a := h.user("Ada")
	m := h.user("Mia")
	outsider := h.user("Otto")

	pod, err := h.pods.Create(ctx, owner, "Robotics", models.ScopeCampus)
	require.NoError(t, err)
	for _, id := range []uuid.UUID{a, m} {
		_, err = h.pods.Join(ctx, pod.ID, id)
		require.NoError(t, err)
	}
	_, err = h.pods.Promote(ctx, pod.ID, owner, a)
	require.NoError(t, err)

	members, err := h.pods.Members(ctx, pod.ID, m)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, Member{UserID: owner, DisplayName: "Olga", Role: models.RoleOwner}, members[0])
	assert.Equal(t, Member{UserID: a, DisplayName: "Ada", Role: models.RoleAdmin}, members[1])
	assert.Equal(t, Member{UserID: m, DisplayName: "Mia", Role: models.RoleMember}, members[2])

	_, err = h.pods.Members(ctx, pod.ID, outsider)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestHandleRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	m := h.user("Mia")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)
	_, err = h.pods.Join(ctx, pod.ID, m)
	require.NoError(t, err)

	ownerSub, err := h.messages.Subscribe(ctx, pod.ID, owner)
	require.NoError(t, err)
	memberSub, err := h.messages.Subscribe(ctx, pod.ID, m)
	require.NoError(t, err)

	remote := &models.Message{ID: uuid.New(), PodID: pod.ID, Seq: 42, Content: "from node b"}
	h.pods.HandleRemote(ctx, events.Event{Kind: events.KindMessageCreated, PodID: pod.ID, Message: remote})
	frame := <-ownerSub.C()
	assert.Equal(t, remote, frame.Message)

	h.pods.HandleRemote(ctx, events.Event{
		Kind:       events.KindMembershipChanged,
		PodID:      pod.ID,
		Pod:        pod,
		Transition: models.TransitionKick,
		SubjectID:  m,
	})
	frame = <-ownerSub.C()
	assert.Equal(t, bus.FrameMembership, frame.Type)
	<-memberSub.Done()
	assert.Equal(t, bus.ReasonRemoved, memberSub.Reason())
}

func TestSystemTextTemplates(t *testing.T) {
	assert.Equal(t, "Y was removed (Spam)", SystemText(models.Kick(uuid.New(), uuid.New(), "Spam"), "Y"))
	assert.Equal(t, "Y was banned", SystemText(models.Ban(uuid.New(), uuid.New(), ""), "Y"))
	assert.Equal(t, "", SystemText(models.Promote(uuid.New(), uuid.New()), "Y"))
	assert.Equal(t, "", SystemText(models.Delete(uuid.New()), "Y"))
}

func TestTransitionsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	m := h.user("Mia")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)
	_, err = h.pods.Join(ctx, pod.ID, m)
	require.NoError(t, err)
	_, err = h.pods.Kick(ctx, pod.ID, m, owner, "")
	require.ErrorIs(t, err, models.ErrPermissionDenied)

	byName := make(map[string]sdktrace.ReadOnlySpan)
	for _, span := range recorder.Ended() {
		byName[span.Name()] = span
	}
	require.Contains(t, byName, "pods.join")
	require.Contains(t, byName, "pods.kick")
	assert.Equal(t, codes.Unset, byName["pods.join"].Status().Code)
	assert.Equal(t, codes.Error, byName["pods.kick"].Status().Code)
}

type blockingForwarder struct {
	entered chan struct{}
	release chan struct{}
}

func (f *blockingForwarder) ForwardMessage(context.Context, *models.Message) {
	f.entered <- struct{}{}
	<-f.release
}

func TestSlowForwarderDoesNotHoldPodLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user("Olga")
	m := h.user("Mia")

	pod, err := h.pods.Create(ctx, owner, "Band", models.ScopeGlobal)
	require.NoError(t, err)

	fwd := &blockingForwarder{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h.bus.SetForwarder(fwd)

	joined := make(chan error, 1)
	go func() {
		_, err := h.pods.Join(ctx, pod.ID, m)
		joined <- err
	}()
	select {
	case <-fwd.entered:
	case <-time.After(time.Second):
		t.Fatal("join announcement was never forwarded")
	}

	read := make(chan *models.Pod, 1)
	go func() {
		snap, _ := h.pods.Get(ctx, pod.ID)
		read <- snap
	}()
	select {
	case snap := <-read:
		require.NotNil(t, snap)
		assert.Contains(t, snap.MemberIDs, m)
	case <-time.After(time.Second):
		t.Fatal("pod read waited on the forwarder")
	}

	close(fwd.release)
	require.NoError(t, <-joined)
	assert.Equal(t, []events.Kind{events.KindMembershipChanged}, h.emitter.kinds())
}
