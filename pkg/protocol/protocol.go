// Package protocol defines the tagged JSON messages exchanged between the
// relay server and editor clients. Every message is a JSON object with a
// mandatory "type" discriminator; the remaining fields depend on the tag.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Inbound message tags.
const (
	TypeUpdateText  = "UPDATE_TEXT"
	TypeSaveFile    = "SAVE_FILE"
	TypeGetFiles    = "GET_FILES"
	TypeLoadFile    = "LOAD_FILE"
	TypeLoadVersion = "LOAD_VERSION"
	TypeCompletion  = "AI_CODE_COMPLETION"
	TypePing        = "PING"
)

// Outbound message tags. TypeCompletion is used in both directions.
const (
	TypeTextUpdated  = "TEXT_UPDATED"
	TypeFileSaved    = "FILE_SAVED"
	TypeFileList     = "FILE_LIST"
	TypeFileLoaded   = "FILE_LOADED"
	TypeFileVersions = "FILE_VERSIONS"
	TypeError        = "ERROR"
)

// ErrMissingType signals an envelope without a "type" field.
var ErrMissingType = errors.New("protocol: message has no type")

// VersionRef identifies one historical snapshot of a document.
type VersionRef struct {
	ID        string    `json:"id"`
	Number    uint64    `json:"number"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is the wire envelope. Fields beyond Type are tag-specific and
// omitted when empty; payloads are trusted as-is, no schema validation is
// performed beyond the presence of the discriminator.
type Message struct {
	Type string `json:"type"`

	Content    string `json:"content,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Language   string `json:"language,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	VersionID  string `json:"versionId,omitempty"`
	CursorLine int    `json:"cursorLine,omitempty"`

	// Files and Versions use omitzero so a present-but-empty listing
	// serializes as an explicit empty array while tags that do not carry
	// them omit the fields entirely.
	Files    []string     `json:"files,omitzero"`
	Versions []VersionRef `json:"versions,omitzero"`

	// Code and Reason carry ERROR payloads.
	Code   string `json:"code,omitempty"`
	Reason string `json:"message,omitempty"`
}

// Decode parses one wire frame into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(m.Type) == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}

// Encode renders a Message as a wire frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Error builds an ERROR message for the given code and cause.
func Error(code string, err error) Message {
	msg := Message{Type: TypeError, Code: code}
	if err != nil {
		msg.Reason = err.Error()
	}
	return msg
}
