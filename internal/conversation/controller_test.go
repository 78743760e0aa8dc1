package conversation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"classifier-chat/internal/domain"
	"classifier-chat/internal/integrations/classifier"
)

type stubClassifier struct {
	mu      sync.Mutex
	msg     string
	err     error
	panicV  any
	release chan struct{}
	inputs  []string
}

func (s *stubClassifier) Classify(_ context.Context, productURL string) (string, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, productURL)
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	if s.panicV != nil {
		panic(s.panicV)
	}
	return s.msg, s.err
}

func (s *stubClassifier) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

type recordingObserver struct {
	mu    sync.Mutex
	turns []domain.Turn
	err   error
}

func (r *recordingObserver) TurnResolved(_ context.Context, turn domain.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
	return r.err
}

// blockingObserver holds TurnResolved open until release is closed.
type blockingObserver struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingObserver() *blockingObserver {
	return &blockingObserver{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingObserver) TurnResolved(context.Context, domain.Turn) error {
	close(b.entered)
	<-b.release
	return nil
}

func frozenClock() func() time.Time {
	t := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestController(t *testing.T, c Classifier, opts ...Option) *Controller {
	t.Helper()
	ctrl, err := NewController("conv-1", c, opts...)
	require.NoError(t, err)
	return ctrl
}

func submitAndWait(t *testing.T, ctrl *Controller, raw string) domain.Message {
	t.Helper()
	turn, err := ctrl.Submit(context.Background(), raw)
	require.NoError(t, err)
	select {
	case <-turn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not resolve")
	}
	return turn.Reply()
}

func expectControllerError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var convErr *Error
	require.ErrorAs(t, err, &convErr)
	require.Equal(t, code, convErr.Code)
	require.Equal(t, reason, convErr.Reason)
}

func TestNewController_ValidatesDependencies(t *testing.T) {
	_, err := NewController("", &stubClassifier{})
	require.Error(t, err)

	_, err = NewController("conv-1", nil)
	require.Error(t, err)
}

func TestSubmit_BlankInputIsNoOp(t *testing.T) {
	for _, raw := range []string{"", " ", "\t\n", "   \r\n  "} {
		stub := &stubClassifier{msg: "unused"}
		ctrl := newTestController(t, stub)

		turn, err := ctrl.Submit(context.Background(), raw)
		require.Nil(t, turn)
		expectControllerError(t, err, ErrorInvalidInput, "empty_input")
		require.Empty(t, ctrl.Messages())
		require.False(t, ctrl.Loading())
		require.Empty(t, stub.calls())
	}
}

func TestSubmit_Success(t *testing.T) {
	stub := &stubClassifier{msg: "Category: Shoes"}
	ctrl := newTestController(t, stub)

	reply := submitAndWait(t, ctrl, "https://shop.example/p/1")
	require.Equal(t, domain.KindSystem, reply.Kind)
	require.Equal(t, "Category: Shoes", reply.Content)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.KindUser, msgs[0].Kind)
	require.Equal(t, "https://shop.example/p/1", msgs[0].Content)
	require.Equal(t, reply, msgs[1])
	require.False(t, ctrl.Loading())
	require.Equal(t, []string{"https://shop.example/p/1"}, stub.calls())
}

func TestSubmit_KeepsRawInputUntrimmed(t *testing.T) {
	stub := &stubClassifier{msg: "ok"}
	ctrl := newTestController(t, stub)

	raw := "  https://shop.example/p/1 \n"
	submitAndWait(t, ctrl, raw)
	require.Equal(t, raw, ctrl.Messages()[0].Content)
	require.Equal(t, []string{raw}, stub.calls())
}

func TestSubmit_LoadingUntilResolved(t *testing.T) {
	stub := &stubClassifier{msg: "ok", release: make(chan struct{})}
	ctrl := newTestController(t, stub)

	turn, err := ctrl.Submit(context.Background(), "https://shop.example")
	require.NoError(t, err)

	snap := ctrl.Snapshot()
	require.True(t, snap.Loading)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, domain.KindUser, snap.Messages[0].Kind)
	require.Equal(t, turn.User, snap.Messages[0])

	close(stub.release)
	<-turn.Done()
	require.False(t, ctrl.Loading())
	require.Len(t, ctrl.Messages(), 2)
}

func TestSubmit_RejectsWhileInFlight(t *testing.T) {
	stub := &stubClassifier{msg: "ok", release: make(chan struct{})}
	ctrl := newTestController(t, stub)

	turn, err := ctrl.Submit(context.Background(), "https://shop.example/1")
	require.NoError(t, err)

	_, err = ctrl.Submit(context.Background(), "https://shop.example/2")
	expectControllerError(t, err, ErrorBusy, "request_in_flight")
	require.Len(t, ctrl.Messages(), 1)

	close(stub.release)
	<-turn.Done()

	reply := submitAndWait(t, ctrl, "https://shop.example/3")
	require.Equal(t, domain.KindSystem, reply.Kind)
	require.Len(t, ctrl.Messages(), 4)
	require.Equal(t, []string{"https://shop.example/1", "https://shop.example/3"}, stub.calls())
}

func TestSubmit_DetachedFromCallerContext(t *testing.T) {
	stub := &stubClassifier{msg: "ok", release: make(chan struct{})}
	ctrl := newTestController(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := ctrl.Submit(ctx, "https://shop.example")
	require.NoError(t, err)
	cancel()
	close(stub.release)

	require.Equal(t, domain.KindSystem, turn.Reply().Kind)
}

func TestSubmit_HTTPFailure(t *testing.T) {
	stub := &stubClassifier{err: &classifier.HTTPStatusError{
		StatusCode: http.StatusInternalServerError,
		Body:       "Internal error occurred",
	}}
	ctrl := newTestController(t, stub)

	reply := submitAndWait(t, ctrl, "https://shop.example")
	require.Equal(t, domain.KindError, reply.Kind)
	require.Contains(t, reply.Content, "500")
	require.Contains(t, reply.Content, "Internal error occurred")
	require.Equal(t, "Error: No se pudo completar la solicitud. HTTP error! status: 500. Response: Internal error occurred...", reply.Content)
}

func TestSubmit_HTTPFailure_TruncatesBody(t *testing.T) {
	body := strings.Repeat("a", 100) + "TAIL"
	stub := &stubClassifier{err: &classifier.HTTPStatusError{StatusCode: http.StatusBadGateway, Body: body}}
	ctrl := newTestController(t, stub)

	reply := submitAndWait(t, ctrl, "https://shop.example")
	require.Contains(t, reply.Content, "status: 502")
	require.Contains(t, reply.Content, strings.Repeat("a", 100)+"...")
	require.NotContains(t, reply.Content, "TAIL")
}

func TestSubmit_SchemaFailure(t *testing.T) {
	stub := &stubClassifier{err: &classifier.SchemaError{Body: `{"result":"ok"}`}}
	ctrl := newTestController(t, stub)

	reply := submitAndWait(t, ctrl, "https://shop.example")
	require.Equal(t, domain.KindError, reply.Kind)
	require.Contains(t, reply.Content, `{"result":"ok"}`)
	require.Contains(t, reply.Content, `"message"`)
}

func TestSubmit_SchemaFailure_TruncatesBody(t *testing.T) {
	body := `{"items":"` + strings.Repeat("x", 200) + `"}`
	stub := &stubClassifier{err: &classifier.SchemaError{Body: body}}
	ctrl := newTestController(t, stub)

	reply := submitAndWait(t, ctrl, "https://shop.example")
	require.Contains(t, reply.Content, body[:100]+"...")
	require.NotContains(t, reply.Content, body[:101])
}

func TestSubmit_TransportFailure(t *testing.T) {
	stub := &stubClassifier{err: errors.New("Network request failed")}
	ctrl := newTestController(t, stub)

	reply := submitAndWait(t, ctrl, "https://shop.example")
	require.Equal(t, domain.KindError, reply.Kind)
	require.Contains(t, reply.Content, "Network request failed")
}

func TestSubmit_FailureWithoutDescriptionUsesFallback(t *testing.T) {
	stub := &stubClassifier{err: errors.New("  ")}
	ctrl := newTestController(t, stub)

	reply := submitAndWait(t, ctrl, "https://shop.example")
	require.Equal(t, "Error: No se pudo completar la solicitud. Verifica la URL.", reply.Content)
}

func TestSubmit_ClassifierPanicStillResolves(t *testing.T) {
	stub := &stubClassifier{panicV: "boom"}
	ctrl := newTestController(t, stub)

	reply := submitAndWait(t, ctrl, "https://shop.example")
	require.Equal(t, domain.KindError, reply.Kind)
	require.Contains(t, reply.Content, "boom")
	require.False(t, ctrl.Loading())
}

func TestSubmit_CustomTruncateLimit(t *testing.T) {
	stub := &stubClassifier{err: &classifier.HTTPStatusError{StatusCode: 400, Body: "abcdefghij"}}
	ctrl := newTestController(t, stub, WithTruncateLimit(4))

	reply := submitAndWait(t, ctrl, "https://shop.example")
	require.Contains(t, reply.Content, "Response: abcd...")
}

func TestSubmit_IDsStrictlyIncreasingWithFrozenClock(t *testing.T) {
	clock := frozenClock()
	ctrl := newTestController(t, &stubClassifier{msg: "ok"}, WithClock(clock))

	for i := 0; i < 3; i++ {
		submitAndWait(t, ctrl, "https://shop.example")
	}
	msgs := ctrl.Messages()
	require.Len(t, msgs, 6)
	require.Equal(t, clock().UnixMilli(), msgs[0].ID)
	for i := 1; i < len(msgs); i++ {
		require.Equal(t, msgs[i-1].ID+1, msgs[i].ID)
		require.Equal(t, clock(), msgs[i].Timestamp)
	}
}

func TestSubmit_AlternatesUserAndReply(t *testing.T) {
	stub := &stubClassifier{msg: "ok"}
	ctrl := newTestController(t, stub)

	submitAndWait(t, ctrl, "https://shop.example/1")
	stub.err = errors.New("down")
	submitAndWait(t, ctrl, "https://shop.example/2")

	kinds := []domain.Kind{}
	for _, m := range ctrl.Messages() {
		kinds = append(kinds, m.Kind)
	}
	require.Equal(t, []domain.Kind{domain.KindUser, domain.KindSystem, domain.KindUser, domain.KindError}, kinds)
}

func TestSubmit_NotifiesObserversOncePerTurn(t *testing.T) {
	obs := &recordingObserver{}
	failing := &recordingObserver{err: errors.New("audit down")}
	ctrl := newTestController(t, &stubClassifier{msg: "Category: Shoes"}, WithObservers(failing, nil, obs))

	reply := submitAndWait(t, ctrl, "https://shop.example")

	require.Len(t, obs.turns, 1)
	require.Equal(t, "conv-1", obs.turns[0].ConversationID)
	require.Equal(t, "https://shop.example", obs.turns[0].Request.Content)
	require.Equal(t, reply, obs.turns[0].Reply)
	require.Len(t, failing.turns, 1)
	require.Len(t, ctrl.Messages(), 2)
}

func TestMessages_DefensiveCopy(t *testing.T) {
	ctrl := newTestController(t, &stubClassifier{msg: "ok"})
	submitAndWait(t, ctrl, "https://shop.example")

	msgs := ctrl.Messages()
	msgs[0].Content = "tampered"
	snap := ctrl.Snapshot()
	snap.Messages[1].Content = "tampered"

	original := ctrl.Messages()
	require.Equal(t, "https://shop.example", original[0].Content)
	require.Equal(t, "ok", original[1].Content)
}

func TestSnapshot_EmptyConversation(t *testing.T) {
	ctrl := newTestController(t, &stubClassifier{})
	snap := ctrl.Snapshot()
	require.Equal(t, "conv-1", snap.ID)
	require.NotNil(t, snap.Messages)
	require.Empty(t, snap.Messages)
	require.False(t, snap.Loading)
}

func TestWait(t *testing.T) {
	stub := &stubClassifier{msg: "ok", release: make(chan struct{})}
	ctrl := newTestController(t, stub)

	require.NoError(t, ctrl.Wait(context.Background()))

	_, err := ctrl.Submit(context.Background(), "https://shop.example")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, ctrl.Wait(ctx), context.DeadlineExceeded)

	close(stub.release)
	require.NoError(t, ctrl.Wait(context.Background()))
	require.False(t, ctrl.Loading())
}

func TestWait_CoversObservers(t *testing.T) {
	obs := newBlockingObserver()
	ctrl := newTestController(t, &stubClassifier{msg: "ok"}, WithObservers(obs))

	_, err := ctrl.Submit(context.Background(), "https://shop.example")
	require.NoError(t, err)
	<-obs.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, ctrl.Wait(ctx), context.DeadlineExceeded, "observer is still running")

	close(obs.release)
	require.NoError(t, ctrl.Wait(context.Background()))
}

func newClassifierServer(t *testing.T, status int, body string) *classifier.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	client, err := classifier.NewClient(srv.URL)
	require.NoError(t, err)
	return client
}

func TestSubmit_WithClassifierClient(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    domain.Kind
		content string
	}{
		{
			name:    "success",
			status:  http.StatusOK,
			body:    `{"message": "Category: Shoes"}`,
			kind:    domain.KindSystem,
			content: "Category: Shoes",
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    "Internal error occurred",
			kind:    domain.KindError,
			content: "Error: No se pudo completar la solicitud. HTTP error! status: 500. Response: Internal error occurred...",
		},
		{
			name:    "missing message",
			status:  http.StatusOK,
			body:    `{"result": "ok"}`,
			kind:    domain.KindError,
			content: `Error: No se pudo completar la solicitud. La respuesta no contiene la propiedad "message". Respuesta recibida: {"result":"ok"}...`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newTestController(t, newClassifierServer(t, tc.status, tc.body))

			reply := submitAndWait(t, ctrl, "https://shop.example/p/1")

			require.Equal(t, tc.kind, reply.Kind)
			require.Equal(t, tc.content, reply.Content)
			require.False(t, ctrl.Loading())
			require.Len(t, ctrl.Messages(), 2)
		})
	}
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "", truncate("abc", 0))
	require.Equal(t, "ab", truncate("abc", 2))
	require.Equal(t, "abc", truncate("abc", 3))
	require.Equal(t, "abc", truncate("abc", 10))
	require.Equal(t, "ñá", truncate("ñáé", 2))
}

func TestError_Format(t *testing.T) {
	require.Equal(t, "conversation: BUSY (request_in_flight)", newError(ErrorBusy, "request_in_flight", nil).Error())
	wrapped := newError(ErrorInternal, "x", errors.New("boom"))
	require.Equal(t, "conversation: INTERNAL_ERROR (x): boom", wrapped.Error())
	require.EqualError(t, errors.Unwrap(wrapped), "boom")
	var nilErr *Error
	require.Empty(t, nilErr.Error())
}
