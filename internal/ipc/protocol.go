// Package ipc carries traffic between the reviewd daemon and its clients:
// editor host adapters streaming document events, and the reviewctl CLI
// issuing queries and commands.
//
// Messages are a fixed 16-byte binary header followed by a JSON payload.
// Requests carry a client-chosen request ID that the response echoes, so a
// client can interleave requests and streamed events on one connection.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x52495043 // "RIPC"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing     MessageType = 0x0001
	MsgPong     MessageType = 0x0002
	MsgError    MessageType = 0x0003
	MsgShutdown MessageType = 0x0004

	// Document lifecycle and input events (0x01xx). Sent by editor host
	// adapters; each is acknowledged with MsgAck.
	MsgDocOpen      MessageType = 0x0100
	MsgDocClose     MessageType = 0x0101
	MsgDocEdit      MessageType = 0x0102
	MsgDocSelection MessageType = 0x0103
	MsgDocSave      MessageType = 0x0104
	MsgDocRename    MessageType = 0x0105
	MsgAck          MessageType = 0x01ff

	// Queries and commands (0x02xx)
	MsgStatus        MessageType = 0x0200
	MsgStatusResp    MessageType = 0x0201
	MsgRegions       MessageType = 0x0202
	MsgRegionsResp   MessageType = 0x0203
	MsgDismiss       MessageType = 0x0204
	MsgHistory       MessageType = 0x0205
	MsgHistoryResp   MessageType = 0x0206
	MsgGetConfig     MessageType = 0x0207
	MsgGetConfigResp MessageType = 0x0208
	MsgSetConfig     MessageType = 0x0209

	// Event streaming (0x03xx)
	MsgSubscribe     MessageType = 0x0300
	MsgSubscribeResp MessageType = 0x0301
	MsgEvent         MessageType = 0x0302
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32 // payload length, not including header
}

const HeaderSize = 16

// MaxPayload bounds a single message; document open events carry full file
// content, so the limit is generous.
const MaxPayload = 64 * 1024 * 1024

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the full message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/response payloads.

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrNotFound       = 3
	ErrInternalError  = 4
)

// Ack acknowledges a document event.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EditChange is one whole-line-normalized content change: the inclusive
// line range [start_line, end_line] is replaced by the lines of
// inserted_text (empty means deleted).
type EditChange struct {
	StartLine      int    `json:"start_line"`
	EndLine        int    `json:"end_line"`
	ReplacedLength int    `json:"replaced_length"`
	InsertedText   string `json:"inserted_text"`
}

// DocOpenRequest announces a document opening with its full text.
type DocOpenRequest struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// DocCloseRequest announces a document closing.
type DocCloseRequest struct {
	Path string `json:"path"`
}

// DocEditRequest carries one batch of edits. TimestampNs is the host's
// event time; classification windows are measured against it rather than
// daemon receive time.
type DocEditRequest struct {
	Path        string       `json:"path"`
	Changes     []EditChange `json:"changes"`
	TimestampNs int64        `json:"timestamp_ns"`
}

// DocSelectionRequest carries a cursor or selection placement.
type DocSelectionRequest struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// DocSaveRequest announces a document save.
type DocSaveRequest struct {
	Path string `json:"path"`
}

// DocRenameRequest announces a document rename.
type DocRenameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// StatusRequest requests daemon status.
type StatusRequest struct{}

// StatusResponse contains daemon status.
type StatusResponse struct {
	Version         string           `json:"version"`
	StartedAt       time.Time        `json:"started_at"`
	Uptime          time.Duration    `json:"uptime"`
	WorkspaceRoot   string           `json:"workspace_root"`
	OpenDocuments   []string         `json:"open_documents"`
	FlaggedFiles    []string         `json:"flagged_files"`
	WatchedFiles    int              `json:"watched_files"`
	DetectionCounts map[string]int64 `json:"detection_counts,omitempty"`
}

// RegionInfo is one region in wire form.
type RegionInfo struct {
	ID        uint64 `json:"id"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// RegionsRequest requests the current regions of one document, or of all
// flagged documents when Path is empty.
type RegionsRequest struct {
	Path string `json:"path,omitempty"`
}

// RegionsResponse lists regions grouped by document.
type RegionsResponse struct {
	Documents map[string][]RegionInfo `json:"documents"`
}

// DismissRequest clears regions. With All set the whole document is
// cleared; otherwise the inclusive line range is dismissed.
type DismissRequest struct {
	Path      string `json:"path"`
	All       bool   `json:"all,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// HistoryRequest requests recent detection events. Path "" means all
// files.
type HistoryRequest struct {
	Path  string `json:"path,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// DetectionInfo is one audit-log detection in wire form.
type DetectionInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	LineCount int       `json:"line_count"`
	CharCount int       `json:"char_count"`
	SpeedCPS  float64   `json:"speed_cps,omitempty"`
}

// HistoryResponse contains recent detections, newest first.
type HistoryResponse struct {
	Detections []DetectionInfo `json:"detections"`
}

// DetectionConfig mirrors the daemon's live detection thresholds.
type DetectionConfig struct {
	MinPasteLines      int     `json:"min_paste_lines"`
	MinStreamingLines  int     `json:"min_streaming_lines"`
	TypingSpeedCPS     float64 `json:"typing_speed_cps"`
	DebounceMs         int     `json:"debounce_ms"`
	WholeDocumentRatio float64 `json:"whole_document_ratio"`
}

// SubscribeRequest subscribes the connection to region-change events.
type SubscribeRequest struct{}

// SubscribeResponse acknowledges a subscription.
type SubscribeResponse struct {
	Success bool `json:"success"`
}

// Event is a streamed region-change notification: the document's full
// current region set after a change.
type Event struct {
	Path    string       `json:"path"`
	Regions []RegionInfo `json:"regions"`
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
