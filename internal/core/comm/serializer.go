package comm

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

// compressionThreshold is the encoded size above which gzip kicks in
// when compression is requested.
const compressionThreshold = 1024

var gzipMagic = []byte{0x1f, 0x8b}

// Serializer builds, validates and encodes message envelopes.
type Serializer struct {
	cfg    SerializerConfig
	logger log.Log
}

func NewSerializer(cfg SerializerConfig, logger log.Log) *Serializer {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	return &Serializer{cfg: cfg, logger: logger.With(log.String("component", "serializer"))}
}

// MessageOptions overrides the defaults applied by NewMessage. Zero
// values leave the corresponding default in place.
type MessageOptions struct {
	Priority      Priority
	Version       string
	CorrelationID string
	ParentID      string
	ExpiresAt     int64 // epoch milliseconds
	MaxRetries    int
	Timeout       int64 // milliseconds
	Tags          []string
	Compression   bool
	Encryption    bool
}

// NewMessage builds a well-formed message with all required fields
// defaulted: normal priority, protocol version 1.0.0, metadata defaults
// and a creation timestamp. When no correlation id is supplied one is
// derived deterministically from sender, recipient, type and timestamp.
func (s *Serializer) NewMessage(msgType MessageType, sender string, recipient Recipient, payload any, opts *MessageOptions) (*Message, error) {
	if opts == nil {
		opts = &MessageOptions{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Op: "serialize", Cause: fmt.Errorf("encoding payload: %w", err)}
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
		Metadata: Metadata{
			Compression: opts.Compression,
			Encryption:  opts.Encryption,
			MaxRetries:  opts.MaxRetries,
			Timeout:     opts.Timeout,
			Tags:        opts.Tags,
		},
		Priority:      PriorityNormal,
		Version:       ProtocolVersion,
		CorrelationID: opts.CorrelationID,
		ParentID:      opts.ParentID,
		ExpiresAt:     opts.ExpiresAt,
	}
	if opts.Priority != 0 {
		msg.Priority = opts.Priority
	}
	if opts.Version != "" {
		msg.Version = opts.Version
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = deriveCorrelationID(msg.Sender, msg.Recipient, msg.Type, msg.Timestamp)
	}

	if violations := structuralViolations(msg); len(violations) > 0 {
		return nil, &SerializationError{Op: "serialize", Violations: violations}
	}
	return msg, nil
}

// SerializeOptions selects the encoding applied by Serialize. A nil
// options value falls back to the serializer's configuration.
type SerializeOptions struct {
	Format      Format
	Compression bool
	Encryption  bool
}

// Serialize validates the message and encodes it to bytes. Validation
// fails fast with an error listing every violated invariant, not just
// the first. Formats other than JSON currently encode as JSON.
// Encryption is a declared but inert hook.
func (s *Serializer) Serialize(msg *Message, opts *SerializeOptions) ([]byte, error) {
	if opts == nil {
		opts = &SerializeOptions{Format: s.cfg.Format, Compression: s.cfg.Compression, Encryption: s.cfg.Encryption}
	}
	if opts.Format == "" {
		opts.Format = s.cfg.Format
	}

	if violations := structuralViolations(msg); len(violations) > 0 {
		return nil, &SerializationError{Op: "serialize", Violations: violations}
	}

	data, err := s.encode(msg, opts.Format)
	if err != nil {
		return nil, &SerializationError{Op: "serialize", Cause: err}
	}

	if opts.Compression && len(data) > compressionThreshold {
		compressed, err := gzipCompress(data)
		if err != nil {
			return nil, &SerializationError{Op: "serialize", Cause: fmt.Errorf("compressing envelope: %w", err)}
		}
		s.logger.Debug("envelope compressed",
			log.String("message_id", msg.ID),
			log.Int("raw_bytes", len(data)),
			log.Int("compressed_bytes", len(compressed)))
		data = compressed
	}

	if opts.Encryption {
		// Pass-through until a cipher is wired in.
		s.logger.Debug("encryption requested but not implemented, passing through",
			log.String("message_id", msg.ID))
	}
	return data, nil
}

// DeserializeOptions selects the decoding applied by Deserialize.
type DeserializeOptions struct {
	Format         Format
	Decompress     bool
	Decrypt        bool
	ValidateSchema bool
}

// Deserialize reverses Serialize: optional gunzip, decode, optional
// post-decode structural validation.
func (s *Serializer) Deserialize(data []byte, opts *DeserializeOptions) (*Message, error) {
	if opts == nil {
		opts = &DeserializeOptions{Format: s.cfg.Format, Decompress: true, ValidateSchema: true}
	}
	if opts.Format == "" {
		opts.Format = s.cfg.Format
	}

	if opts.Decompress && bytes.HasPrefix(data, gzipMagic) {
		raw, err := gzipDecompress(data)
		if err != nil {
			return nil, &SerializationError{Op: "deserialize", Cause: fmt.Errorf("decompressing envelope: %w", err)}
		}
		data = raw
	}

	if opts.Decrypt {
		// Pass-through, mirrors the serialize side.
		s.logger.Debug("decryption requested but not implemented, passing through")
	}

	msg, err := s.decode(data, opts.Format)
	if err != nil {
		return nil, &SerializationError{Op: "deserialize", Cause: err}
	}

	if opts.ValidateSchema {
		if violations := structuralViolations(msg); len(violations) > 0 {
			return nil, &SerializationError{Op: "deserialize", Violations: violations}
		}
	}
	return msg, nil
}

func (s *Serializer) encode(msg *Message, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.Marshal(msg)
	case FormatMsgPack, FormatProtobuf, FormatAvro:
		// Compatibility shim: these formats are accepted but encode as
		// JSON until their codecs are implemented.
		s.logger.Debug("format has no native codec, encoding as JSON", log.String("format", string(format)))
		return json.Marshal(msg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func (s *Serializer) decode(data []byte, format Format) (*Message, error) {
	switch format {
	case FormatJSON, FormatMsgPack, FormatProtobuf, FormatAvro:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decoding envelope: %w", err)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// structuralViolations runs the structural checks shared by the
// serializer's pre-flight and the validator's first stage. It returns
// every broken rule, never just the first.
func structuralViolations(msg *Message) []string {
	var violations []string
	if msg == nil {
		return []string{"message is nil"}
	}
	if msg.ID == "" {
		violations = append(violations, "id is required")
	}
	if msg.Type == "" {
		violations = append(violations, "type is required")
	}
	if msg.Sender == "" {
		violations = append(violations, "sender is required")
	}
	if len(msg.Recipient) == 0 {
		violations = append(violations, "recipient must not be empty")
	}
	for i, r := range msg.Recipient {
		if r == "" {
			violations = append(violations, fmt.Sprintf("recipient[%d] must be a non-empty string", i))
		}
	}
	if msg.Timestamp <= 0 {
		violations = append(violations, "timestamp must be a positive epoch-milliseconds value")
	}
	if len(msg.Payload) == 0 {
		violations = append(violations, "payload is required")
	}
	if !msg.Priority.Valid() {
		violations = append(violations, fmt.Sprintf("priority %d outside [1,5]", msg.Priority))
	}
	if msg.Version == "" {
		violations = append(violations, "version is required")
	}
	if msg.ExpiresAt != 0 && msg.ExpiresAt <= msg.Timestamp {
		violations = append(violations, "expiresAt must be after timestamp")
	}
	if r := msg.Metadata.Routing; r != nil && r.Hops > r.MaxHops {
		violations = append(violations, fmt.Sprintf("routing hops %d exceed maxHops %d", r.Hops, r.MaxHops))
	}
	return violations
}

// deriveCorrelationID hashes sender, recipient, type and timestamp into
// a stable correlation id for messages created without one.
func deriveCorrelationID(sender string, recipient Recipient, msgType MessageType, timestamp int64) string {
	h := xxhash.New()
	_, _ = io.WriteString(h, sender)
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, strings.Join(recipient, ","))
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, string(msgType))
	_, _ = io.WriteString(h, "|")
	_, _ = io.WriteString(h, strconv.FormatInt(timestamp, 10))
	return strconv.FormatUint(h.Sum64(), 16)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
