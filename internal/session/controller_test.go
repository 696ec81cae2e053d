package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/core/ports"
	"github.com/tjfontaine/genstream/internal/generation"
)

// chunkReader yields one chunk per Read and then err (io.EOF if nil).
type chunkReader struct {
	chunks []string
	err    error
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

type script struct {
	chunks  []string
	readErr error
	err     error
	// block keeps the body open until the request context ends.
	block bool
}

type scriptedTransport struct {
	mu           sync.Mutex
	starts       []script
	feedbacks    []script
	startReqs    []*ports.StartRequest
	feedbackReqs []*ports.FeedbackRequest
	opened       chan struct{}
}

func (t *scriptedTransport) open(ctx context.Context, s script) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	if !s.block {
		return &chunkReader{chunks: append([]string(nil), s.chunks...), err: s.readErr}, nil
	}
	pr, pw := io.Pipe()
	go func() {
		for _, c := range s.chunks {
			if _, err := pw.Write([]byte(c)); err != nil {
				return
			}
		}
		if t.opened != nil {
			t.opened <- struct{}{}
		}
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return pr, nil
}

func (t *scriptedTransport) Start(ctx context.Context, req *ports.StartRequest) (io.ReadCloser, error) {
	t.mu.Lock()
	t.startReqs = append(t.startReqs, req)
	s := t.starts[0]
	t.starts = t.starts[1:]
	t.mu.Unlock()
	return t.open(ctx, s)
}

func (t *scriptedTransport) SubmitFeedback(ctx context.Context, req *ports.FeedbackRequest) (io.ReadCloser, error) {
	t.mu.Lock()
	t.feedbackReqs = append(t.feedbackReqs, req)
	s := t.feedbacks[0]
	t.feedbacks = t.feedbacks[1:]
	t.mu.Unlock()
	return t.open(ctx, s)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.StreamEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev *domain.StreamEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func (p *recordingPublisher) contents(t domain.EventType) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev.Content)
		}
	}
	return out
}

type recordingPersister struct {
	mu        sync.Mutex
	ensured   []string
	persisted []domain.Message
	updates   []fieldUpdate
	ensureErr error
}

type fieldUpdate struct {
	msgID string
	field string
	value any
}

func (p *recordingPersister) EnsureConversation(_ context.Context, convID string, _ domain.Target, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensured = append(p.ensured, convID)
	return p.ensureErr
}

func (p *recordingPersister) PersistMessage(_ string, msg domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persisted = append(p.persisted, msg)
}

func (p *recordingPersister) UpdateMessageField(_ string, msgID, field string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, fieldUpdate{msgID: msgID, field: field, value: value})
}

type fixedCounter int

func (f fixedCounter) Count(string) int { return int(f) }

func newController(t *testing.T, tr *scriptedTransport) (*Controller, *recordingPublisher, *recordingPersister) {
	t.Helper()
	pub := &recordingPublisher{}
	pers := &recordingPersister{}
	c, err := NewController(Config{
		Transport: tr,
		Store:     generation.NewStore(),
		Persister: pers,
		Publisher: pub,
		Tokens:    fixedCounter(2),
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	return c, pub, pers
}

func assistant(t *testing.T, c *Controller, convID string) domain.Message {
	t.Helper()
	msgs := c.Store().Messages(convID)
	if len(msgs) == 0 {
		t.Fatal("no messages in conversation")
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant {
		t.Fatalf("last message role = %s, want assistant", last.Role)
	}
	return last
}

func TestController_TokensThenDone(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{
		`{"type":"token","content":"Hello"}` + "\n",
		`{"type":"token","content":" world"}` + "\n",
		`{"type":"done"}` + "\n",
	}}}}
	c, pub, pers := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.Status != domain.StatusCompleted {
		t.Errorf("Status = %s, want completed", sess.Status)
	}

	msg := assistant(t, c, "c1")
	if msg.Content != "Hello world" {
		t.Errorf("Content = %q, want %q", msg.Content, "Hello world")
	}
	if msg.Loading {
		t.Error("Loading = true after completion")
	}

	got := pub.contents(domain.EventContent)
	want := []string{"Hello", "Hello world"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("content events = %q, want %q", got, want)
	}

	if len(pers.ensured) != 1 || pers.ensured[0] != "c1" {
		t.Errorf("ensured = %v, want [c1]", pers.ensured)
	}
	if len(pers.persisted) != 2 {
		t.Fatalf("persisted %d messages, want user and assistant", len(pers.persisted))
	}
	if pers.persisted[0].Role != domain.RoleUser || pers.persisted[1].Content != "Hello world" {
		t.Errorf("persisted = %+v", pers.persisted)
	}

	if tr.startReqs[0].SessionID != sess.ID || tr.startReqs[0].Target != domain.TargetWorkout {
		t.Errorf("start request = %+v", tr.startReqs[0])
	}
}

func TestController_AssistantPlaceholderLoading(t *testing.T) {
	tr := &scriptedTransport{
		starts: []script{{chunks: []string{`{"type":"progress","content":"Thinking"}` + "\n"}, block: true}},
		opened: make(chan struct{}, 1),
	}
	c, _, _ := newController(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(ctx, StartRequest{ConversationID: "c1", SessionID: "s1", Prompt: "hi"})
	}()

	<-tr.opened
	deadline := time.After(2 * time.Second)
	for {
		if m, ok := c.Store().Message("c1", assistantID(c, "s1")); ok && len(m.Steps) == 1 {
			if !m.Loading {
				t.Error("Loading = false before any content frame")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("progress frame never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if s, _ := c.Session("s1"); s.Status != domain.StatusStreaming {
		t.Errorf("Status = %s, want streaming", s.Status)
	}
	cancel()
	<-done
}

func assistantID(c *Controller, sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[sessionID]; ok {
		return e.run.assistantID
	}
	return ""
}

func TestController_FeedbackResume(t *testing.T) {
	tr := &scriptedTransport{
		starts: []script{{chunks: []string{
			`{"type":"reasoning","content":"because X"}` + "\n" +
				`{"type":"await_user_feedback"}` + "\n",
		}}},
		feedbacks: []script{{chunks: []string{
			`{"type":"token","content":"ok"}` + "\n" + `{"type":"done"}` + "\n",
		}}},
	}
	c, pub, _ := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1", Prompt: "plan"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.Status != domain.StatusAwaitingFeedback {
		t.Fatalf("Status = %s, want awaiting_feedback", sess.Status)
	}

	resumed, err := c.SubmitFeedback(context.Background(), sess.ID, "continue")
	if err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if resumed.ID != sess.ID {
		t.Errorf("resumed ID = %s, want %s", resumed.ID, sess.ID)
	}
	if resumed.Status != domain.StatusCompleted {
		t.Errorf("Status = %s, want completed", resumed.Status)
	}

	if fb := tr.feedbackReqs[0]; fb.SessionID != sess.ID || fb.Feedback != "continue" {
		t.Errorf("feedback request = %+v", fb)
	}

	msgs := c.Store().Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (resume appends nothing)", len(msgs))
	}
	if msgs[1].Content != "ok" {
		t.Errorf("Content = %q, want ok", msgs[1].Content)
	}
	r := c.Store().Result(sess.ID)
	if r.Reasoning == nil || *r.Reasoning != "because X" {
		t.Errorf("Reasoning = %v, want because X", r.Reasoning)
	}

	types := pub.types()
	var sawAwait, sawResume bool
	for _, ty := range types {
		sawAwait = sawAwait || ty == domain.EventAwaitingFeedback
		sawResume = sawResume || ty == domain.EventSessionResumed
	}
	if !sawAwait || !sawResume {
		t.Errorf("events = %v, want awaiting_feedback and session.resumed", types)
	}
}

func TestController_FeedbackInvalidState(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{`{"type":"done"}` + "\n"}}}}
	c, _, _ := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err = c.SubmitFeedback(context.Background(), sess.ID, "more")
	if !errors.Is(err, domain.ErrNotAwaitingFeedback) {
		t.Errorf("SubmitFeedback() on completed session error = %v, want ErrNotAwaitingFeedback", err)
	}

	_, err = c.SubmitFeedback(context.Background(), "nope", "more")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("SubmitFeedback() on unknown session error = %v, want ErrSessionNotFound", err)
	}
	if len(tr.feedbackReqs) != 0 {
		t.Errorf("feedback requests = %d, want 0", len(tr.feedbackReqs))
	}
}

func TestController_FeedbackServerErrorKeepsTokens(t *testing.T) {
	tr := &scriptedTransport{
		starts: []script{{chunks: []string{
			`{"type":"token","content":"Hel"}` + "\n" + `{"type":"await_user_feedback"}` + "\n",
		}}},
		feedbacks: []script{{err: domain.ErrTransport("submit_feedback", nil).WithStatusCode(http.StatusInternalServerError)}},
	}
	c, pub, pers := newController(t, tr)

	sess, _ := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	got, err := c.SubmitFeedback(context.Background(), sess.ID, "go on")

	if domain.KindOf(err) != domain.ErrorKindTransport {
		t.Fatalf("SubmitFeedback() error = %v, want transport error", err)
	}
	if got.Status != domain.StatusErrored {
		t.Errorf("Status = %s, want errored", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("ErrorMessage is empty")
	}
	if msg := assistant(t, c, "c1"); msg.Content != "Hel" || msg.Loading {
		t.Errorf("assistant = %+v, want retained content Hel", msg)
	}
	if len(pub.contents(domain.EventErrored)) != 1 {
		t.Error("errored event not published")
	}
	// The partial answer saved at the pause is left as it was.
	if len(pers.persisted) != 2 || pers.persisted[1].Content != "Hel" {
		t.Errorf("persisted = %+v, want user and paused assistant", pers.persisted)
	}
	if len(pers.updates) != 0 {
		t.Errorf("updates = %+v, want none after failure", pers.updates)
	}
}

func TestController_PausedAnswerPatchedOnCompletion(t *testing.T) {
	tr := &scriptedTransport{
		starts: []script{{chunks: []string{
			`{"type":"token","content":"Draft"}` + "\n" + `{"type":"await_user_feedback"}` + "\n",
		}}},
		feedbacks: []script{{chunks: []string{
			`{"type":"progress","content":"Refining"}` + "\n" +
				`{"type":"token","content":" plan"}` + "\n" + `{"type":"done"}` + "\n",
		}}},
	}
	c, _, pers := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(pers.persisted) != 2 || pers.persisted[1].Content != "Draft" {
		t.Fatalf("persisted at pause = %+v", pers.persisted)
	}

	if _, err := c.SubmitFeedback(context.Background(), sess.ID, "yes"); err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}

	if len(pers.persisted) != 2 {
		t.Errorf("persisted = %d messages, want the paused one patched instead of re-added", len(pers.persisted))
	}
	assistantID := pers.persisted[1].ID
	want := map[string]bool{ports.FieldContent: false, ports.FieldSteps: false}
	for _, u := range pers.updates {
		if u.msgID != assistantID {
			t.Errorf("update for %s, want %s", u.msgID, assistantID)
		}
		if u.field == ports.FieldContent && u.value != "Draft plan" {
			t.Errorf("content update = %v, want Draft plan", u.value)
		}
		want[u.field] = true
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("no %s update", field)
		}
	}
}

func TestController_PauseWithoutContentPersistsOnCompletion(t *testing.T) {
	tr := &scriptedTransport{
		starts: []script{{chunks: []string{
			`{"type":"reasoning","content":"why"}` + "\n" + `{"type":"await_user_feedback"}` + "\n",
		}}},
		feedbacks: []script{{chunks: []string{`{"type":"token","content":"ok"}` + "\n" + `{"type":"done"}` + "\n"}}},
	}
	c, _, pers := newController(t, tr)

	sess, _ := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if len(pers.persisted) != 1 {
		t.Fatalf("persisted at pause = %d, want only the user message", len(pers.persisted))
	}
	if _, err := c.SubmitFeedback(context.Background(), sess.ID, "go"); err != nil {
		t.Fatalf("SubmitFeedback() error = %v", err)
	}
	if len(pers.persisted) != 2 || pers.persisted[1].Content != "ok" || len(pers.updates) != 0 {
		t.Errorf("persisted = %+v, updates = %+v", pers.persisted, pers.updates)
	}
}

func TestController_StartServerError(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{err: domain.ErrTransport("start", nil).WithStatusCode(500)}}}
	c, _, _ := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err == nil {
		t.Fatal("Start() error = nil, want transport error")
	}
	if sess.Status != domain.StatusErrored {
		t.Errorf("Status = %s, want errored", sess.Status)
	}
	msg := assistant(t, c, "c1")
	if msg.Content != "The assistant is temporarily unavailable. Please try again." {
		t.Errorf("Content = %q, want user-facing error", msg.Content)
	}
	if _, ok := c.ActiveSession("c1"); ok {
		t.Error("errored session still holds the conversation slot")
	}
}

func TestController_MidStreamReadError(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{
		chunks:  []string{`{"type":"token","content":"partial"}` + "\n"},
		readErr: errors.New("connection reset"),
	}}}
	c, _, _ := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if domain.KindOf(err) != domain.ErrorKindTransport {
		t.Fatalf("Start() error = %v, want transport error", err)
	}
	if sess.Status != domain.StatusErrored {
		t.Errorf("Status = %s, want errored", sess.Status)
	}
	if msg := assistant(t, c, "c1"); msg.Content != "partial" {
		t.Errorf("Content = %q, want partial", msg.Content)
	}
}

func TestController_FallbackParse(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{
		`{"type":"token","content":"{\"workouts\":[{\"name\":\"A\"}"}` + "\n",
		`{"type":"token","content":",{\"name\":\"B\"}]}"}` + "\n",
		`{"type":"complete"}` + "\n",
	}}}}
	c, _, _ := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	r := c.Store().Result(sess.ID)
	if len(r.Workouts) != 2 || r.Workouts[1].Name != "B" {
		t.Errorf("Workouts = %+v, want A and B from buffer", r.Workouts)
	}
}

func TestController_FallbackReasoningOnly(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{
		`{"type":"token","content":"{\"reasoning\":"}` + "\n",
		`{"type":"token","content":"\"Recovery week\"}"}` + "\n",
		`{"type":"done"}` + "\n",
	}}}}
	c, pub, _ := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.Status != domain.StatusCompleted {
		t.Errorf("Status = %s, want completed", sess.Status)
	}
	r := c.Store().Result(sess.ID)
	if r.Reasoning == nil || *r.Reasoning != "Recovery week" {
		t.Errorf("Reasoning = %v, want Recovery week from buffer", r.Reasoning)
	}
	if len(r.Workouts) != 0 || len(r.Exercises) != 0 {
		t.Errorf("Result = %+v, want reasoning only", r)
	}
	var sawResult bool
	for _, ty := range pub.types() {
		sawResult = sawResult || ty == domain.EventResult
	}
	if !sawResult {
		t.Error("no result event for the reconstructed buffer")
	}
}

func TestController_FallbackSkippedAfterStructuredFrame(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{
		`{"type":"result","content":"{\"workouts\":[{\"name\":\"Structured\"}]}"}` + "\n",
		`{"type":"token","content":"{\"workouts\":[{\"name\":\"FromBuffer\"}]}"}` + "\n",
		`{"type":"done"}` + "\n",
	}}}}
	c, _, _ := newController(t, tr)

	sess, _ := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	r := c.Store().Result(sess.ID)
	if len(r.Workouts) != 1 || r.Workouts[0].Name != "Structured" {
		t.Errorf("Workouts = %+v, want only the structured result", r.Workouts)
	}
}

func TestController_FallbackPlainTextIsNotAnError(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{
		`{"type":"token","content":"just words"}` + "\n" + `{"type":"done"}` + "\n",
	}}}}
	c, _, _ := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err != nil || sess.Status != domain.StatusCompleted {
		t.Fatalf("Start() = %s, %v; want completed", sess.Status, err)
	}
	if !c.Store().Result(sess.ID).Empty() {
		t.Error("Result() populated from plain text")
	}
}

func TestController_ResultReplacesAndCarriesSources(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{
		`{"type":"result","content":{"workouts":[{"name":"A"},{"name":"B"}]}}` + "\n",
		`{"type":"result","content":{"workouts":[{"name":"C"}],"sources":[{"title":"Doc","url":"https://x"}]}}` + "\n",
		`{"type":"done"}` + "\n",
	}}}}
	c, _, _ := newController(t, tr)

	sess, _ := c.Start(context.Background(), StartRequest{ConversationID: "c1", Target: domain.TargetKnowledge})
	r := c.Store().Result(sess.ID)
	if len(r.Workouts) != 1 || r.Workouts[0].Name != "C" {
		t.Errorf("Workouts = %+v, want [C]", r.Workouts)
	}
	if msg := assistant(t, c, "c1"); len(msg.Sources) != 1 || msg.Sources[0].Title != "Doc" {
		t.Errorf("Sources = %+v", msg.Sources)
	}
}

func TestController_EOFWithoutTerminalCompletes(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{`{"type":"token","content":"tail"}`}}}}
	c, _, _ := newController(t, tr)

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.Status != domain.StatusCompleted {
		t.Errorf("Status = %s, want completed", sess.Status)
	}
	if msg := assistant(t, c, "c1"); msg.Content != "tail" {
		t.Errorf("Content = %q, want unterminated record flushed", msg.Content)
	}
}

func TestController_FramesAfterTerminalIgnored(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{
		`{"type":"token","content":"a"}` + "\n" + `{"type":"done"}` + "\n" + `{"type":"token","content":"b"}` + "\n",
	}}}}
	c, _, _ := newController(t, tr)

	c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if msg := assistant(t, c, "c1"); msg.Content != "a" {
		t.Errorf("Content = %q, want a", msg.Content)
	}
}

func TestController_Supersede(t *testing.T) {
	tr := &scriptedTransport{
		starts: []script{
			{chunks: []string{`{"type":"token","content":"old"}` + "\n"}, block: true},
			{chunks: []string{`{"type":"token","content":"new"}` + "\n" + `{"type":"done"}` + "\n"}},
		},
		opened: make(chan struct{}, 1),
	}
	c, _, _ := newController(t, tr)

	type outcome struct {
		sess domain.Session
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		s, err := c.Start(context.Background(), StartRequest{ConversationID: "c1", SessionID: "s1"})
		first <- outcome{s, err}
	}()
	<-tr.opened

	second, err := c.Start(context.Background(), StartRequest{ConversationID: "c1", SessionID: "s2"})
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if second.Status != domain.StatusCompleted {
		t.Errorf("second Status = %s, want completed", second.Status)
	}

	select {
	case got := <-first:
		if !errors.Is(got.err, domain.ErrSuperseded) {
			t.Errorf("first Start() error = %v, want ErrSuperseded", got.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded loop did not exit")
	}

	if _, ok := c.Session("s1"); ok {
		t.Error("superseded session still registered")
	}
	if msg := assistant(t, c, "c1"); msg.Content != "new" {
		t.Errorf("Content = %q, want new", msg.Content)
	}
}

func TestController_DuplicateSessionID(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{`{"type":"done"}` + "\n"}}}}
	c, _, _ := newController(t, tr)

	if _, err := c.Start(context.Background(), StartRequest{ConversationID: "c1", SessionID: "s1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, err := c.Start(context.Background(), StartRequest{ConversationID: "c2", SessionID: "s1"})
	if domain.KindOf(err) != domain.ErrorKindInvalidState {
		t.Errorf("Start() with reused id error = %v, want invalid_state", err)
	}
}

func TestController_EnsureConversationFailureNotFatal(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{`{"type":"token","content":"x"}` + "\n" + `{"type":"done"}` + "\n"}}}}
	c, _, pers := newController(t, tr)
	pers.ensureErr = errors.New("db down")

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err != nil || sess.Status != domain.StatusCompleted {
		t.Errorf("Start() = %s, %v; want completed", sess.Status, err)
	}
}

func TestController_Discard(t *testing.T) {
	tr := &scriptedTransport{starts: []script{{chunks: []string{`{"type":"await_user_feedback"}` + "\n"}}}}
	c, _, _ := newController(t, tr)

	sess, _ := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if !c.Discard(sess.ID) {
		t.Fatal("Discard() = false")
	}
	if _, err := c.SubmitFeedback(context.Background(), sess.ID, "x"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("SubmitFeedback() after Discard error = %v", err)
	}
	if msg := assistant(t, c, "c1"); msg.Loading {
		t.Error("discarded placeholder still loading")
	}
}

func TestController_UnknownTarget(t *testing.T) {
	c, _, _ := newController(t, &scriptedTransport{})
	if _, err := c.Start(context.Background(), StartRequest{Target: "diet"}); err == nil {
		t.Error("Start() with unknown target error = nil")
	}
}

func TestController_DecoderOutcomesLogged(t *testing.T) {
	var logs bytes.Buffer
	tr := &scriptedTransport{starts: []script{{chunks: []string{
		"keep-alive\n" + `{"type":"token","content":"a"}` + "\n",
		`{"type":"done"}`,
	}}}}
	c, err := NewController(Config{
		Transport: tr,
		Logger:    slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}

	sess, err := c.Start(context.Background(), StartRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.Status != domain.StatusCompleted {
		t.Errorf("Status = %s, want completed from the unterminated done record", sess.Status)
	}

	out := logs.String()
	for _, want := range []string{"records_skipped=1", "pending_bytes=15"} {
		if !strings.Contains(out, want) {
			t.Errorf("logs missing %q:\n%s", want, out)
		}
	}
}
