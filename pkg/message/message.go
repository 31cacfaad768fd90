// Package message holds the application payloads exchanged between
// clients and servers once they have been reassembled from fragments.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raskyld/dronenet/pkg/wire"
)

var (
	ErrMalformed   = errors.New("message: malformed payload")
	ErrUnknownKind = errors.New("message: unknown kind")
)

// ServerType is the subtype a server announces in answer to AskType.
type ServerType string

const (
	ServerText          ServerType = "text"
	ServerMedia         ServerType = "media"
	ServerCommunication ServerType = "communication"
)

func (st ServerType) Valid() bool {
	switch st {
	case ServerText, ServerMedia, ServerCommunication:
		return true
	}
	return false
}

type QueryKind string

const (
	AskType        QueryKind = "ask_type"
	AddClient      QueryKind = "add_client"
	AskListClients QueryKind = "ask_list_clients"
	SendMessageTo  QueryKind = "send_message_to"
	AskListFiles   QueryKind = "ask_list_files"
	AskFile        QueryKind = "ask_file"
	AskMedia       QueryKind = "ask_media"
)

type ResponseKind string

const (
	ServerTypeKind ResponseKind = "server_type"
	MessageFrom    ResponseKind = "message_from"
	ListUsers      ResponseKind = "list_users"
	ListFiles      ResponseKind = "list_files"
	File           ResponseKind = "file"
	Media          ResponseKind = "media"
	Err            ResponseKind = "err"
)

// Text is a chat message relayed by communication servers.
type Text struct {
	Text string `json:"text"`
}

// Query goes from a client to a server.
type Query struct {
	Kind QueryKind `json:"kind"`

	// Name is the user name for AddClient and the recipient for
	// SendMessageTo.
	Name      string      `json:"name,omitempty"`
	Client    wire.NodeID `json:"client,omitempty"`
	Message   *Text       `json:"message,omitempty"`
	FileID    uint8       `json:"file_id,omitempty"`
	Reference string      `json:"reference,omitempty"`
}

// Response goes from a server to a client.
type Response struct {
	Kind ResponseKind `json:"kind"`

	ServerType ServerType `json:"server_type,omitempty"`
	From       string     `json:"from,omitempty"`
	Message    *Text      `json:"message,omitempty"`
	Names      []string   `json:"names,omitempty"`
	Content    string     `json:"content,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Message is what gets fragmented on the wire. Exactly one of Query or
// Response is set.
type Message struct {
	Query    *Query    `json:"query,omitempty"`
	Response *Response `json:"response,omitempty"`
}

func NewQuery(q Query) Message {
	return Message{Query: &q}
}

func NewResponse(r Response) Message {
	return Message{Response: &r}
}

func NewError(reason string) Message {
	return NewResponse(Response{Kind: Err, Reason: reason})
}

// Validate checks that exactly one side is set and carries a known kind.
func (m Message) Validate() error {
	switch {
	case m.Query != nil && m.Response != nil:
		return fmt.Errorf("%w: both query and response set", ErrMalformed)
	case m.Query != nil:
		switch m.Query.Kind {
		case AskType, AddClient, AskListClients, SendMessageTo, AskListFiles, AskFile, AskMedia:
			return nil
		}
		return fmt.Errorf("%w: query %q", ErrUnknownKind, m.Query.Kind)
	case m.Response != nil:
		switch m.Response.Kind {
		case ServerTypeKind:
			if !m.Response.ServerType.Valid() {
				return fmt.Errorf("%w: server type %q", ErrUnknownKind, m.Response.ServerType)
			}
			return nil
		case MessageFrom, ListUsers, ListFiles, File, Media, Err:
			return nil
		}
		return fmt.Errorf("%w: response %q", ErrUnknownKind, m.Response.Kind)
	default:
		return fmt.Errorf("%w: empty message", ErrMalformed)
	}
}

func (m Message) LogValue() slog.Value {
	switch {
	case m.Query != nil:
		return slog.GroupValue(slog.String("query", string(m.Query.Kind)))
	case m.Response != nil:
		return slog.GroupValue(slog.String("response", string(m.Response.Kind)))
	default:
		return slog.StringValue("empty")
	}
}

// Encode serializes a message after validating it.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a reassembled payload.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
