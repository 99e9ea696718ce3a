// Package wire implements the Jupyter messaging wire protocol: the
// "<IDS|MSG>" delimited, HMAC-signed, five-blob framing described in
// https://jupyter-client.readthedocs.io/en/latest/messaging.html#the-wire-protocol
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ProtocolVersion is the Jupyter messaging protocol version this kernel speaks.
// See the changelog at the link above; 5.2+ encodes cursor_pos per-rune.
const ProtocolVersion = "5.3"

// delimiter separates the ZMQ identity-routing frames from the signed message blobs.
const delimiter = "<IDS|MSG>"

// Header is the `header` (and, doubling as a type, `parent_header`) blob of a Jupyter message.
type Header struct {
	MsgID           string `json:"msg_id"`
	Username        string `json:"username"`
	Session         string `json:"session"`
	MsgType         string `json:"msg_type"`
	ProtocolVersion string `json:"version"`
	Date            string `json:"date"`
}

// IsZero reports whether h is an absent parent header (an empty JSON object on the wire).
func (h Header) IsZero() bool {
	return h.MsgID == "" && h.MsgType == ""
}

// ComposedMsg is a decoded Jupyter message, independent of which socket it arrived on.
type ComposedMsg struct {
	Header       Header
	ParentHeader Header
	Metadata     map[string]interface{}
	Content      interface{}
}

// Identities are the ZMQ ROUTER identity-routing frames that precede the delimiter.
// They are opaque and must be echoed back verbatim when replying on the same socket.
type Identities [][]byte

// Session binds a signing key, a session id and a username used to author outgoing messages.
type Session struct {
	Key       []byte
	SessionID string
	Username  string
}

// NewSession creates a Session with a fresh v4 session id.
func NewSession(key []byte, username string) (Session, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Session{}, errors.WithMessage(err, "failed to generate session id")
	}
	return Session{Key: key, SessionID: id.String(), Username: username}, nil
}

// NewHeader builds a Header for an outgoing message authored by this session.
func (s Session) NewHeader(msgType string) (Header, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Header{}, errors.WithMessage(err, "failed to generate msg_id")
	}
	return Header{
		MsgID:           id.String(),
		Username:        s.Username,
		Session:         s.SessionID,
		MsgType:         msgType,
		ProtocolVersion: ProtocolVersion,
		Date:            time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Typed error values so callers can branch on the failure kind (spec §7).
var (
	ErrMissingDelimiter  = errors.New("wire: \"<IDS|MSG>\" delimiter not found")
	ErrInsufficientParts = errors.New("wire: message has too few frames after the delimiter")
	ErrInvalidHMAC       = errors.New("wire: signature is not valid hex")
	ErrBadSignature      = errors.New("wire: signature does not match computed HMAC")
	ErrUnknownType       = errors.New("wire: unrecognized msg_type")
)

// Decode parses the frames of a single ZMQ message into identities plus a ComposedMsg,
// verifying the HMAC-SHA256 signature against key. An empty key disables verification,
// matching Jupyter's convention for an unsigned local connection.
func Decode(frames [][]byte, key []byte) (Identities, *ComposedMsg, error) {
	i := 0
	for i < len(frames) && string(frames[i]) != delimiter {
		i++
	}
	if i == len(frames) {
		return nil, nil, ErrMissingDelimiter
	}
	ids := Identities(frames[:i])
	if len(frames)-i < 6 {
		return ids, nil, ErrInsufficientParts
	}
	body := frames[i+1 : i+6] // signature, header, parent_header, metadata, content

	if len(key) != 0 {
		mac := hmac.New(sha256.New, key)
		for _, part := range body[1:] {
			mac.Write(part)
		}
		sig := make([]byte, hex.DecodedLen(len(body[0])))
		if _, err := hex.Decode(sig, body[0]); err != nil {
			return ids, nil, errors.Wrap(ErrInvalidHMAC, err.Error())
		}
		if !hmac.Equal(mac.Sum(nil), sig) {
			return ids, nil, ErrBadSignature
		}
	}

	msg := &ComposedMsg{}
	if err := json.Unmarshal(body[1], &msg.Header); err != nil {
		return ids, nil, errors.WithMessage(err, "wire: decoding header")
	}
	if err := json.Unmarshal(body[2], &msg.ParentHeader); err != nil {
		return ids, nil, errors.WithMessage(err, "wire: decoding parent_header")
	}
	if err := json.Unmarshal(body[3], &msg.Metadata); err != nil {
		return ids, nil, errors.WithMessage(err, "wire: decoding metadata")
	}
	if err := json.Unmarshal(body[4], &msg.Content); err != nil {
		return ids, nil, errors.WithMessage(err, "wire: decoding content")
	}
	return ids, msg, nil
}

// Encode signs msg and renders it, prefixed by ids and the delimiter, into frames
// ready to hand to a zmq4 socket's Send/SendMulti.
func Encode(ids Identities, msg *ComposedMsg, key []byte) ([][]byte, error) {
	if msg.Metadata == nil {
		msg.Metadata = map[string]interface{}{}
	}
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, errors.WithMessage(err, "wire: encoding header")
	}
	parentHeader, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, errors.WithMessage(err, "wire: encoding parent_header")
	}
	if msg.ParentHeader.IsZero() {
		parentHeader = []byte("{}")
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, errors.WithMessage(err, "wire: encoding metadata")
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, errors.WithMessage(err, "wire: encoding content")
	}

	var signature []byte
	if len(key) != 0 {
		mac := hmac.New(sha256.New, key)
		for _, part := range [][]byte{header, parentHeader, metadata, content} {
			mac.Write(part)
		}
		signature = make([]byte, hex.EncodedLen(mac.Size()))
		hex.Encode(signature, mac.Sum(nil))
	} else {
		signature = []byte{}
	}

	frames := make([][]byte, 0, len(ids)+6)
	frames = append(frames, ids...)
	frames = append(frames, []byte(delimiter), signature, header, parentHeader, metadata, content)
	return frames, nil
}
