package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Message discriminants carried in the "type" field of every frame.
const (
	TypeJoin      = "join"
	TypeDabs      = "dabs"
	TypeDebug     = "debug"
	TypeTilePatch = "tile_patch"
)

// MaxDabFloats bounds a single paint operation to 1024 dabs.
const MaxDabFloats = 4096

var (
	ErrMissingType  = errors.New("missing message type")
	ErrUnknownType  = errors.New("unknown message type")
	ErrDabsNotQuads = errors.New("dab sequence length is not a multiple of 4")
	ErrTooManyDabs  = errors.New("dab sequence too long")
)

// Envelope is the part of every frame needed to route it.
type Envelope struct {
	Type string `json:"type"`
}

// ──────────────────────────── Client → Server ─────────────────────────────────

// ClientMessage is implemented by every inbound message kind.
type ClientMessage interface {
	MessageType() string
	clientMessage()
}

// Join asks for the current canvas state. RoomID and Known are sent by
// browser clients and ignored: the room comes from the connection path.
type Join struct {
	Type   string            `json:"type"`
	RoomID string            `json:"room_id,omitempty"`
	Since  uint64            `json:"since"`
	Known  map[string]uint64 `json:"known,omitempty"`
}

// Dabs is a paint (tool 0) or erase (tool 1) operation. It is also the
// server's broadcast shape, so an accepted operation echoes back verbatim.
type Dabs struct {
	Type string    `json:"type"`
	Tool uint8     `json:"tool"`
	Dabs []float32 `json:"dabs" validate:"dabs"`
}

func (Join) clientMessage() {}
func (Dabs) clientMessage() {}

func (Join) MessageType() string { return TypeJoin }
func (Dabs) MessageType() string { return TypeDabs }

// ──────────────────────────── Server → Client ─────────────────────────────────

// ServerMessage is implemented by every outbound message kind.
type ServerMessage interface {
	serverMessage()
}

// SessionInfo is pushed once, right after the upgrade.
type SessionInfo struct {
	Type   string    `json:"type"`
	Port   uint16    `json:"port"`
	RoomID uuid.UUID `json:"room_id"`
}

// TilePatch carries a full-tile PNG snapshot. TX/TY are always 0 since a
// room owns exactly one tile.
type TilePatch struct {
	Type      string `json:"type"`
	TX        int    `json:"tx"`
	TY        int    `json:"ty"`
	Version   uint64 `json:"version"`
	PNGBase64 string `json:"png_base64"`
}

func (SessionInfo) serverMessage() {}
func (TilePatch) serverMessage()   {}
func (Dabs) serverMessage()        {}

func NewSessionInfo(port uint16, roomID uuid.UUID) SessionInfo {
	return SessionInfo{Type: TypeDebug, Port: port, RoomID: roomID}
}

func NewTilePatch(version uint64, png []byte) TilePatch {
	return TilePatch{
		Type:      TypeTilePatch,
		Version:   version,
		PNGBase64: base64.StdEncoding.EncodeToString(png),
	}
}

func NewDabs(tool uint8, dabs []float32) Dabs {
	return Dabs{Type: TypeDabs, Tool: tool, Dabs: dabs}
}

// PNG decodes the embedded image bytes.
func (p TilePatch) PNG() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.PNGBase64)
}

// ─────────────────────────────── codec ───────────────────────────────────────

// Peek returns the discriminant of a raw frame.
func Peek(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// DecodeClient parses a raw frame into its concrete message kind.
func DecodeClient(data []byte) (ClientMessage, error) {
	typ, err := Peek(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeJoin:
		var m Join
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeDabs:
		var m Dabs
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
}

func Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// ValidateDabs enforces the quadruple framing and the per-message bound.
func ValidateDabs(dabs []float32) error {
	if len(dabs)%4 != 0 {
		return ErrDabsNotQuads
	}
	if len(dabs) > MaxDabFloats {
		return ErrTooManyDabs
	}
	return nil
}
