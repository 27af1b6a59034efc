// Package router is the single entry point for inbound client messages. It
// decodes the tagged envelope, invokes exactly one handler, and emits the
// unicast or fanout responses the tag calls for.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexkarev/coedit/pkg/completion"
	"github.com/alexkarev/coedit/pkg/hub"
	"github.com/alexkarev/coedit/pkg/protocol"
	"github.com/alexkarev/coedit/pkg/store"
	"github.com/alexkarev/coedit/pkg/telemetry"
)

// Error codes carried on outbound ERROR messages.
const (
	CodeNotFound         = "not_found"
	CodeStorageFailed    = "storage_failed"
	CodeCompletionFailed = "completion_failed"
)

// Completer is the slice of the completion client the router needs.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// Router dispatches inbound messages to the persistence gateway, the
// completion client, and the fanout hub.
type Router struct {
	store     store.Store
	completer Completer
	hub       *hub.Hub
	tele      *telemetry.Manager
}

// New wires a router. tele may be nil.
func New(st store.Store, completer Completer, h *hub.Hub, tele *telemetry.Manager) *Router {
	return &Router{store: st, completer: completer, hub: h, tele: tele}
}

// Welcome runs the connection handshake: the new session receives the shared
// text buffer and the current file list without asking.
func (r *Router) Welcome(ctx context.Context, s *hub.Session) error {
	if err := s.Send(protocol.Message{Type: protocol.TypeTextUpdated, Content: r.hub.Text()}); err != nil {
		return err
	}
	return s.Send(protocol.Message{Type: protocol.TypeFileList, Files: r.store.List(ctx)})
}

// Dispatch handles one raw inbound frame from s. Unrecognized tags are
// ignored on purpose so newer clients keep working against this server.
// Handler failures are reported to the sender as ERROR messages; the
// connection stays open either way.
func (r *Router) Dispatch(ctx context.Context, s *hub.Session, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("router: dropping undecodable frame from %s: %v", s.ID(), err)
		return nil
	}

	ctx, span := r.tele.StartSpan(ctx, "router.dispatch",
		trace.WithAttributes(attribute.String("message.type", msg.Type)))
	defer span.End()

	switch msg.Type {
	case protocol.TypeUpdateText:
		err = r.handleUpdateText(ctx, msg)
	case protocol.TypeSaveFile:
		err = r.handleSaveFile(ctx, s, msg)
	case protocol.TypeGetFiles:
		err = s.Send(protocol.Message{Type: protocol.TypeFileList, Files: r.store.List(ctx)})
	case protocol.TypeLoadFile:
		err = r.handleLoadFile(ctx, s, msg)
	case protocol.TypeLoadVersion:
		err = r.handleLoadVersion(ctx, s, msg)
	case protocol.TypeCompletion:
		err = r.handleCompletion(ctx, s, msg)
	case protocol.TypePing:
		// Liveness only; no pong in this design.
	default:
		log.Printf("router: ignoring unknown message type %q from %s", msg.Type, s.ID())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Router) handleUpdateText(ctx context.Context, msg protocol.Message) error {
	r.hub.SetText(msg.Content)
	return r.hub.Broadcast(ctx, protocol.Message{Type: protocol.TypeTextUpdated, Content: msg.Content})
}

func (r *Router) handleSaveFile(ctx context.Context, s *hub.Session, msg protocol.Message) error {
	ctx, span := r.tele.StartSpan(ctx, "store.save",
		trace.WithAttributes(attribute.String("filename", msg.Filename)))
	defer span.End()

	if _, err := r.store.Save(ctx, msg.Filename, msg.Content, msg.Language); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.sendError(s, storageCode(err), err)
		return fmt.Errorf("save %q: %w", msg.Filename, err)
	}
	if err := r.hub.Broadcast(ctx, protocol.Message{Type: protocol.TypeFileSaved, Filename: msg.Filename}); err != nil {
		return err
	}
	return r.hub.Broadcast(ctx, protocol.Message{Type: protocol.TypeFileList, Files: r.store.List(ctx)})
}

func (r *Router) handleLoadFile(ctx context.Context, s *hub.Session, msg protocol.Message) error {
	doc, err := r.store.Load(ctx, msg.Filename)
	if err != nil {
		r.sendError(s, storageCode(err), err)
		return fmt.Errorf("load %q: %w", msg.Filename, err)
	}
	err = s.Send(protocol.Message{
		Type:     protocol.TypeFileLoaded,
		Filename: doc.Filename,
		Content:  doc.Content,
		Language: doc.Language,
	})
	if err != nil {
		return err
	}

	infos, err := r.store.ListVersions(ctx, msg.Filename)
	if err != nil || len(infos) == 0 {
		// History is advisory on load; the document itself was delivered.
		return nil
	}
	refs := make([]protocol.VersionRef, 0, len(infos))
	for _, info := range infos {
		refs = append(refs, protocol.VersionRef{ID: info.ID, Number: info.Number, CreatedAt: info.CreatedAt})
	}
	return s.Send(protocol.Message{Type: protocol.TypeFileVersions, Filename: msg.Filename, Versions: refs})
}

func (r *Router) handleLoadVersion(ctx context.Context, s *hub.Session, msg protocol.Message) error {
	v, err := r.store.LoadVersion(ctx, msg.VersionID)
	if err != nil {
		r.sendError(s, storageCode(err), err)
		return fmt.Errorf("load version %q: %w", msg.VersionID, err)
	}
	// The reply names the filename the client asked about, and carries the
	// historical content.
	return s.Send(protocol.Message{
		Type:     protocol.TypeFileLoaded,
		Filename: msg.Filename,
		Content:  v.Content,
	})
}

func (r *Router) handleCompletion(ctx context.Context, s *hub.Session, msg protocol.Message) error {
	snippet, err := r.completer.Complete(ctx, completion.Request{
		Code:        msg.Content,
		Instruction: msg.Prompt,
		Language:    msg.Language,
		CursorLine:  msg.CursorLine,
	})
	if err != nil {
		// A failed completion is an explicit failure outcome, never a
		// snippet that happens to contain error text.
		r.sendError(s, CodeCompletionFailed, err)
		return fmt.Errorf("completion: %w", err)
	}
	return s.Send(protocol.Message{Type: protocol.TypeCompletion, Content: snippet})
}

func (r *Router) sendError(s *hub.Session, code string, err error) {
	if sendErr := s.Send(protocol.Error(code, err)); sendErr != nil {
		log.Printf("router: error reply to %s failed: %v", s.ID(), sendErr)
	}
}

func storageCode(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return CodeNotFound
	}
	return CodeStorageFailed
}
