package taskfarm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"syscall"

	"github.com/goccy/go-json"
)

// MaxFrameSize bounds the length prefix accepted by ReadFrame.
const MaxFrameSize = 64 << 20

// envelope is the serialized form of a Command.
type envelope struct {
	ID          uint64          `json:"id"`
	Type        CommandType     `json:"type"`
	PayloadType string          `json:"payload_type,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type flusher interface {
	Flush() error
}

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var lengthBytes [4]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(payload)))
	if _, err := w.Write(lengthBytes[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. It returns io.EOF only when the stream
// ends cleanly before a new frame starts; a frame cut short yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return frame, nil
}

// Marshal encodes a command into its envelope bytes.
func Marshal(cmd *Command) ([]byte, error) {
	env := envelope{ID: cmd.id, Type: cmd.typ}
	if cmd.payload != nil {
		name, err := payloads.nameOf(cmd.payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", cmd, err)
		}
		raw, err := json.Marshal(cmd.payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload of %s: %w", cmd, err)
		}
		env.PayloadType = name
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope of %s: %w", cmd, err)
	}
	return data, nil
}

// Unmarshal decodes envelope bytes back into a command, restoring the concrete payload type.
func Unmarshal(data []byte) (*Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, &ProtocolError{Got: env.Type, Message: "unknown command type on the wire"}
	}
	cmd := &Command{id: env.ID, typ: env.Type}
	if env.PayloadType == "" {
		return cmd, nil
	}

	instance, err := payloads.newInstance(env.PayloadType)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", cmd, err)
	}
	payload, err := decodePayload(env.Payload, instance)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload %q of %s: %w", env.PayloadType, cmd, err)
	}
	cmd.payload = payload
	return cmd, nil
}

func decodePayload(raw json.RawMessage, instance any) (any, error) {
	v := reflect.ValueOf(instance)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		if err := json.Unmarshal(raw, instance); err != nil {
			return nil, err
		}
		return instance, nil
	}
	ptr := reflect.New(v.Type())
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// Send encodes cmd, writes it as one frame and flushes w when it is buffered.
func Send(w io.Writer, cmd *Command) error {
	data, err := Marshal(cmd)
	if err != nil {
		return err
	}
	if err := WriteFrame(w, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush %s: %w", cmd, err)
		}
	}
	return nil
}

// Receive reads and decodes one command.
func Receive(r io.Reader) (*Command, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(frame)
}

// IsConnectionLost reports whether err means the peer went away: end of stream,
// a truncated frame, a reset or broken pipe, or a connection closed locally.
func IsConnectionLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}
