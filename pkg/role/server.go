// Package role holds the applications plugged into an engine: what a
// client does with the responses it gets and how each kind of server
// answers queries.
package role

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/raskyld/dronenet/pkg/engine"
	"github.com/raskyld/dronenet/pkg/message"
	"github.com/raskyld/dronenet/pkg/telemetry"
	"github.com/raskyld/dronenet/pkg/wire"
)

var (
	ErrInvalidServerType = errors.New("role: invalid server type")
)

// Reasons carried by Err responses.
const (
	ReasonUnsupported   = "unsupported query"
	ReasonFileNotFound  = "file not found"
	ReasonMediaNotFound = "media not found"
	ReasonNotRegistered = "client not registered"
	ReasonUnknownClient = "unknown recipient"
	ReasonNameTaken     = "name already registered"
)

// Document is a file served by text servers. Its id is its position in
// the list.
type Document struct {
	Name    string `toml:"name"`
	Content string `toml:"content"`
}

type ServerConfig struct {
	Type message.ServerType

	// Files served by a text server.
	Files []Document

	// Media served by a media server, by reference.
	Media map[string]string

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Server answers the queries of clients. A response which cannot be
// sent for lack of route is kept until a flood finds one.
type Server struct {
	typ    message.ServerType
	files  []Document
	media  map[string]string
	logger *slog.Logger

	// names registered on a communication server
	users map[string]wire.NodeID

	backlog map[wire.NodeID][]message.Message
	// last flood which installed at least one route
	answeredFlood wire.FloodID
}

var (
	_ engine.Application   = (*Server)(nil)
	_ engine.RouteObserver = (*Server)(nil)
)

func NewServer(cfg ServerConfig) (*Server, error) {
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidServerType, cfg.Type)
	}

	s := &Server{
		typ:     cfg.Type,
		files:   slices.Clone(cfg.Files),
		media:   maps.Clone(cfg.Media),
		users:   make(map[string]wire.NodeID),
		backlog: make(map[wire.NodeID][]message.Message),
	}
	if cfg.LogHandler == nil {
		s.logger = slog.Default()
	} else {
		s.logger = slog.New(cfg.LogHandler)
	}
	s.logger = s.logger.With(slog.String("server_type", string(cfg.Type)))
	return s, nil
}

func (s *Server) Type() message.ServerType {
	return s.typ
}

// Users returns the registered names, sorted.
func (s *Server) Users() []string {
	return slices.Sorted(maps.Keys(s.users))
}

// Backlog returns how many responses wait for a route.
func (s *Server) Backlog() int {
	n := 0
	for _, msgs := range s.backlog {
		n += len(msgs)
	}
	return n
}

func (s *Server) OnMessageReady(e *engine.Engine, src wire.NodeID, msg message.Message) {
	if msg.Query == nil {
		s.logger.Warn("server received a response", telemetry.LabelSource.L(src), telemetry.LabelMessage.L(msg))
		return
	}

	q := msg.Query
	switch {
	case q.Kind == message.AskType:
		s.reply(e, src, message.NewResponse(message.Response{Kind: message.ServerTypeKind, ServerType: s.typ}))

	case s.typ == message.ServerText && q.Kind == message.AskListFiles:
		names := make([]string, 0, len(s.files))
		for _, f := range s.files {
			names = append(names, f.Name)
		}
		s.reply(e, src, message.NewResponse(message.Response{Kind: message.ListFiles, Names: names}))

	case s.typ == message.ServerText && q.Kind == message.AskFile:
		if int(q.FileID) >= len(s.files) {
			s.reply(e, src, message.NewError(ReasonFileNotFound))
			return
		}
		s.reply(e, src, message.NewResponse(message.Response{Kind: message.File, Content: s.files[q.FileID].Content}))

	case s.typ == message.ServerMedia && q.Kind == message.AskMedia:
		content, ok := s.media[q.Reference]
		if !ok {
			s.reply(e, src, message.NewError(ReasonMediaNotFound))
			return
		}
		s.reply(e, src, message.NewResponse(message.Response{Kind: message.Media, Content: content}))

	case s.typ == message.ServerCommunication && q.Kind == message.AddClient:
		s.addClient(e, src, q)

	case s.typ == message.ServerCommunication && q.Kind == message.AskListClients:
		s.reply(e, src, message.NewResponse(message.Response{Kind: message.ListUsers, Names: s.Users()}))

	case s.typ == message.ServerCommunication && q.Kind == message.SendMessageTo:
		s.sendMessageTo(e, src, q)

	default:
		s.logger.Debug(
			"unsupported query",
			telemetry.LabelSource.L(src),
			telemetry.LabelMessage.L(msg),
		)
		s.reply(e, src, message.NewError(ReasonUnsupported))
	}
}

func (s *Server) addClient(e *engine.Engine, src wire.NodeID, q *message.Query) {
	client := q.Client
	if client == 0 {
		client = src
	}
	if owner, ok := s.users[q.Name]; ok && owner != client {
		s.reply(e, src, message.NewError(ReasonNameTaken))
		return
	}
	for name, id := range s.users {
		if id == client {
			delete(s.users, name)
		}
	}
	s.users[q.Name] = client
	s.logger.Info("client registered", slog.String("name", q.Name), telemetry.LabelPeer.L(client))
	s.reply(e, src, message.NewResponse(message.Response{Kind: message.ListUsers, Names: s.Users()}))
}

func (s *Server) sendMessageTo(e *engine.Engine, src wire.NodeID, q *message.Query) {
	from, ok := s.nameOf(src)
	if !ok {
		s.reply(e, src, message.NewError(ReasonNotRegistered))
		return
	}
	to, ok := s.users[q.Name]
	if !ok {
		s.reply(e, src, message.NewError(ReasonUnknownClient))
		return
	}

	text := message.Text{}
	if q.Message != nil {
		text = *q.Message
	}
	s.reply(e, to, message.NewResponse(message.Response{Kind: message.MessageFrom, From: from, Message: &text}))
}

func (s *Server) nameOf(id wire.NodeID) (string, bool) {
	for name, owner := range s.users {
		if owner == id {
			return name, true
		}
	}
	return "", false
}

// reply submits msg to dst or keeps it until a route to dst is learned.
func (s *Server) reply(e *engine.Engine, dst wire.NodeID, msg message.Message) {
	_, err := e.Submit(msg, dst)
	if err == nil {
		return
	}
	if !errors.Is(err, engine.ErrNoRoute) {
		s.logger.Error("could not answer", telemetry.LabelDest.L(dst), telemetry.LabelError.L(err))
		return
	}

	// A flood which already produced routes will not find new ones, so
	// only an unanswered flood is worth waiting for.
	floodNeeded := len(s.backlog) == 0 || s.answeredFlood == e.FloodID()
	s.backlog[dst] = append(s.backlog[dst], msg)
	s.logger.Debug("no route to client, response deferred", telemetry.LabelDest.L(dst))
	if floodNeeded {
		e.StartFlood()
	}
}

func (s *Server) OnRouteLearned(e *engine.Engine, dst wire.NodeID) {
	s.answeredFlood = e.FloodID()
	pending, ok := s.backlog[dst]
	if !ok {
		return
	}
	delete(s.backlog, dst)

	for i, msg := range pending {
		if _, err := e.Submit(msg, dst); err != nil {
			s.backlog[dst] = append(s.backlog[dst], pending[i:]...)
			s.logger.Warn("could not flush deferred responses", telemetry.LabelDest.L(dst), telemetry.LabelError.L(err))
			return
		}
	}
}
