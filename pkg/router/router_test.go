package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/alexkarev/coedit/pkg/completion"
	"github.com/alexkarev/coedit/pkg/hub"
	"github.com/alexkarev/coedit/pkg/protocol"
	"github.com/alexkarev/coedit/pkg/store"
	"github.com/alexkarev/coedit/pkg/telemetry"
)

type captureConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureConn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *captureConn) Close() error { return nil }

func (c *captureConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		var m protocol.Message
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("undecodable outbound frame %q: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

type stubCompleter struct {
	snippet string
	err     error
}

func (s stubCompleter) Complete(ctx context.Context, req completion.Request) (string, error) {
	return s.snippet, s.err
}

type rig struct {
	router *Router
	hub    *hub.Hub
	store  store.Store
	conns  []*captureConn
	sess   []*hub.Session
}

func newRig(t *testing.T, completer Completer, sessions int) *rig {
	t.Helper()
	return newRigWithTelemetry(t, completer, sessions, nil)
}

func newTracedRig(t *testing.T, completer Completer, sessions int) (*rig, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tele, err := telemetry.NewManager(context.Background(), telemetry.Config{TracerProvider: provider})
	if err != nil {
		t.Fatalf("telemetry manager: %v", err)
	}
	return newRigWithTelemetry(t, completer, sessions, tele), recorder
}

func newRigWithTelemetry(t *testing.T, completer Completer, sessions int, tele *telemetry.Manager) *rig {
	t.Helper()
	h := hub.New()
	st := store.NewMemStore()
	r := &rig{router: New(st, completer, h, tele), hub: h, store: st}
	for i := 0; i < sessions; i++ {
		conn := &captureConn{}
		s := hub.NewSession(conn)
		h.Register(s)
		r.conns = append(r.conns, conn)
		r.sess = append(r.sess, s)
	}
	t.Cleanup(func() { _ = h.Close() })
	return r
}

func (r *rig) dispatch(t *testing.T, i int, msg protocol.Message) error {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode inbound: %v", err)
	}
	return r.router.Dispatch(context.Background(), r.sess[i], data)
}

func TestWelcomeSendsBufferThenFileList(t *testing.T) {
	r := newRig(t, stubCompleter{}, 1)
	r.hub.SetText("shared draft")
	if _, err := r.store.Save(context.Background(), "main.go", "package main", "go"); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	if err := r.router.Welcome(context.Background(), r.sess[0]); err != nil {
		t.Fatalf("Welcome: %v", err)
	}
	got := r.conns[0].messages(t)
	if len(got) != 2 {
		t.Fatalf("handshake frames = %d, want 2", len(got))
	}
	if got[0].Type != protocol.TypeTextUpdated || got[0].Content != "shared draft" {
		t.Fatalf("first frame = %+v, want TEXT_UPDATED with buffer", got[0])
	}
	if got[1].Type != protocol.TypeFileList || len(got[1].Files) != 1 {
		t.Fatalf("second frame = %+v, want FILE_LIST with one file", got[1])
	}
}

func TestUpdateTextBroadcastsToAllSessions(t *testing.T) {
	r := newRig(t, stubCompleter{}, 2)
	if err := r.dispatch(t, 0, protocol.Message{Type: protocol.TypeUpdateText, Content: "abc"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if r.hub.Text() != "abc" {
		t.Fatalf("buffer = %q, want abc", r.hub.Text())
	}
	for i, conn := range r.conns {
		got := conn.messages(t)
		if len(got) != 1 || got[0].Type != protocol.TypeTextUpdated || got[0].Content != "abc" {
			t.Fatalf("session %d frames = %+v", i, got)
		}
	}
}

func TestSaveFileBroadcastsSavedThenList(t *testing.T) {
	r := newRig(t, stubCompleter{}, 2)
	msg := protocol.Message{Type: protocol.TypeSaveFile, Filename: "app.py", Content: "pass", Language: "python"}
	if err := r.dispatch(t, 0, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for i, conn := range r.conns {
		got := conn.messages(t)
		if len(got) != 2 {
			t.Fatalf("session %d frames = %d, want 2", i, len(got))
		}
		if got[0].Type != protocol.TypeFileSaved || got[0].Filename != "app.py" {
			t.Fatalf("session %d first frame = %+v", i, got[0])
		}
		if got[1].Type != protocol.TypeFileList || len(got[1].Files) != 1 || got[1].Files[0] != "app.py" {
			t.Fatalf("session %d second frame = %+v", i, got[1])
		}
	}
}

func TestGetFilesIsUnicast(t *testing.T) {
	r := newRig(t, stubCompleter{}, 2)
	if err := r.dispatch(t, 0, protocol.Message{Type: protocol.TypeGetFiles}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := r.conns[0].messages(t); len(got) != 1 || got[0].Type != protocol.TypeFileList {
		t.Fatalf("sender frames = %+v", got)
	}
	if got := r.conns[1].messages(t); len(got) != 0 {
		t.Fatalf("bystander received %d frames, want 0", len(got))
	}
}

func TestLoadFileDeliversContentAndHistory(t *testing.T) {
	r := newRig(t, stubCompleter{}, 1)
	ctx := context.Background()
	if _, err := r.store.Save(ctx, "main.c", "int main(){}", "c"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := r.store.Save(ctx, "main.c", "int main(){return 0;}", ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	if err := r.dispatch(t, 0, protocol.Message{Type: protocol.TypeLoadFile, Filename: "main.c"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := r.conns[0].messages(t)
	if len(got) != 2 {
		t.Fatalf("frames = %d, want FILE_LOADED + FILE_VERSIONS", len(got))
	}
	if got[0].Type != protocol.TypeFileLoaded || got[0].Content != "int main(){return 0;}" || got[0].Language != "c" {
		t.Fatalf("first frame = %+v", got[0])
	}
	if got[1].Type != protocol.TypeFileVersions || len(got[1].Versions) != 1 || got[1].Versions[0].Number != 1 {
		t.Fatalf("second frame = %+v", got[1])
	}
}

func TestLoadVersionReturnsHistoricalContent(t *testing.T) {
	r := newRig(t, stubCompleter{}, 1)
	ctx := context.Background()
	if _, err := r.store.Save(ctx, "q.sql", "SELECT 1;", "sql"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := r.store.Save(ctx, "q.sql", "SELECT 2;", ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	infos, err := r.store.ListVersions(ctx, "q.sql")
	if err != nil || len(infos) != 1 {
		t.Fatalf("versions = %v, %v", infos, err)
	}

	msg := protocol.Message{Type: protocol.TypeLoadVersion, VersionID: infos[0].ID, Filename: "q.sql"}
	if err := r.dispatch(t, 0, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := r.conns[0].messages(t)
	if len(got) != 1 || got[0].Type != protocol.TypeFileLoaded {
		t.Fatalf("frames = %+v", got)
	}
	if got[0].Filename != "q.sql" || got[0].Content != "SELECT 1;" {
		t.Fatalf("historical payload = %+v", got[0])
	}
}

func TestLoadMissingFileSendsNotFound(t *testing.T) {
	r := newRig(t, stubCompleter{}, 1)
	err := r.dispatch(t, 0, protocol.Message{Type: protocol.TypeLoadFile, Filename: "ghost.go"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("dispatch err = %v, want ErrNotFound", err)
	}
	got := r.conns[0].messages(t)
	if len(got) != 1 || got[0].Type != protocol.TypeError || got[0].Code != CodeNotFound {
		t.Fatalf("frames = %+v, want one not_found ERROR", got)
	}
}

func TestCompletionSuccessIsUnicast(t *testing.T) {
	r := newRig(t, stubCompleter{snippet: "foo();"}, 2)
	msg := protocol.Message{Type: protocol.TypeCompletion, Content: "class A{}", Prompt: "add foo call", Language: "java"}
	if err := r.dispatch(t, 0, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := r.conns[0].messages(t)
	if len(got) != 1 || got[0].Type != protocol.TypeCompletion || got[0].Content != "foo();" {
		t.Fatalf("sender frames = %+v", got)
	}
	if got := r.conns[1].messages(t); len(got) != 0 {
		t.Fatalf("bystander received completion fanout: %+v", got)
	}
}

func TestCompletionFailureBecomesErrorMessage(t *testing.T) {
	cause := fmt.Errorf("%w after 3 attempts: upstream 500", completion.ErrExhausted)
	r := newRig(t, stubCompleter{err: cause}, 1)
	err := r.dispatch(t, 0, protocol.Message{Type: protocol.TypeCompletion, Prompt: "x"})
	if !errors.Is(err, completion.ErrExhausted) {
		t.Fatalf("dispatch err = %v", err)
	}
	got := r.conns[0].messages(t)
	if len(got) != 1 || got[0].Type != protocol.TypeError || got[0].Code != CodeCompletionFailed {
		t.Fatalf("frames = %+v, want one completion_failed ERROR", got)
	}
	if got[0].Reason == "" {
		t.Fatalf("ERROR carries no reason")
	}
}

func TestPingAndUnknownTagsProduceNothing(t *testing.T) {
	r := newRig(t, stubCompleter{}, 1)
	if err := r.dispatch(t, 0, protocol.Message{Type: protocol.TypePing}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := r.dispatch(t, 0, protocol.Message{Type: "VOICE_NOTE", Content: "hi"}); err != nil {
		t.Fatalf("unknown tag: %v", err)
	}
	if err := r.router.Dispatch(context.Background(), r.sess[0], []byte("not json")); err != nil {
		t.Fatalf("garbage frame: %v", err)
	}
	if got := r.conns[0].messages(t); len(got) != 0 {
		t.Fatalf("frames = %+v, want none", got)
	}
}

func TestSaveFileEmitsStoreSaveSpan(t *testing.T) {
	r, recorder := newTracedRig(t, stubCompleter{}, 1)
	msg := protocol.Message{Type: protocol.TypeSaveFile, Filename: "main.go", Content: "package main", Language: "go"}
	if err := r.dispatch(t, 0, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range recorder.Ended() {
		byName[span.Name()] = span
	}
	if _, ok := byName["router.dispatch"]; !ok {
		t.Fatalf("no router.dispatch span, got %v", recorder.Ended())
	}
	save, ok := byName["store.save"]
	if !ok {
		t.Fatalf("no store.save span, got %v", recorder.Ended())
	}
	var filename string
	for _, attr := range save.Attributes() {
		if string(attr.Key) == "filename" {
			filename = attr.Value.AsString()
		}
	}
	if filename != "main.go" {
		t.Fatalf("filename attribute = %q, want main.go", filename)
	}
	if save.Status().Code == codes.Error {
		t.Fatalf("successful save span marked failed: %v", save.Status())
	}
}

func TestDispatchFailureIsRecordedOnSpan(t *testing.T) {
	r, recorder := newTracedRig(t, stubCompleter{}, 1)
	err := r.dispatch(t, 0, protocol.Message{Type: protocol.TypeLoadFile, Filename: "ghost.go"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("dispatch err = %v, want ErrNotFound", err)
	}
	var dispatch sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "router.dispatch" {
			dispatch = span
		}
	}
	if dispatch == nil {
		t.Fatalf("no router.dispatch span, got %v", recorder.Ended())
	}
	if dispatch.Status().Code != codes.Error {
		t.Fatalf("span status = %v, want Error", dispatch.Status())
	}
	if len(dispatch.Events()) == 0 {
		t.Fatalf("span has no recorded error event")
	}
}

func TestWelcomeListsEmptyStoreExplicitly(t *testing.T) {
	r := newRig(t, stubCompleter{}, 1)
	if err := r.router.Welcome(context.Background(), r.sess[0]); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	r.conns[0].mu.Lock()
	frames := append([][]byte(nil), r.conns[0].frames...)
	r.conns[0].mu.Unlock()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if !bytes.Contains(frames[1], []byte(`"files":[]`)) {
		t.Fatalf("FILE_LIST frame %q lacks an explicit empty files array", frames[1])
	}
}
