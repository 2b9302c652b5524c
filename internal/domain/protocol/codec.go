package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

const (
	binaryAudioFrame byte = 0x01
	binaryTTSChunk   byte = 0x02

	audioHeaderLen = 1 + 4 + 8
	chunkHeaderLen = 1 + 8 + 4
)

var (
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrShortFrame  = errors.New("protocol: binary frame too short")
	ErrFrameKind   = errors.New("protocol: unexpected binary frame kind")
)

// Frame is one encoded websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Encode serializes an outbound event. tts.chunk becomes a binary frame,
// everything else a JSON text frame with a "type" field.
func Encode(ev Event) (Frame, error) {
	if chunk, ok := ev.(TTSChunk); ok {
		buf := make([]byte, chunkHeaderLen+len(chunk.Data))
		buf[0] = binaryTTSChunk
		binary.BigEndian.PutUint64(buf[1:9], chunk.UtteranceID)
		binary.BigEndian.PutUint32(buf[9:13], chunk.Seq)
		copy(buf[chunkHeaderLen:], chunk.Data)
		return Frame{Binary: true, Data: buf}, nil
	}

	body, err := sonic.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return Frame{Data: withType(ev.Type(), body)}, nil
}

// withType splices "type" in as the first key of a JSON object.
func withType(typ string, body []byte) []byte {
	head := []byte(`{"type":"` + typ + `"`)
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) <= 2 {
		return append(head, '}')
	}
	out := make([]byte, 0, len(head)+len(trimmed)+1)
	out = append(out, head...)
	out = append(out, ',')
	return append(out, trimmed[1:]...)
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeText parses a client JSON control message.
func DecodeText(data []byte) (Inbound, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		msg Inbound
		err error
	)
	switch env.Type {
	case TypeSessionStart:
		var m SessionStart
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypeSessionUpdate:
		var m SessionUpdate
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypeSessionEnd:
		var m SessionEnd
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypeSessionReset:
		msg = SessionReset{}
	case TypeUtteranceCancel:
		var m UtteranceCancel
		err = sonic.Unmarshal(data, &m)
		msg = m
	case TypePing:
		msg = Ping{}
	case TypeICECandidate, TypeSessionNegotiate:
		msg = Opaque{Kind: env.Type, Raw: append([]byte(nil), data...)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// DecodeBinary parses an audio.frame: 0x01 | seq u32 BE | timestamp_ms u64 BE | pcm.
func DecodeBinary(data []byte) (AudioFrame, error) {
	if len(data) < audioHeaderLen {
		return AudioFrame{}, ErrShortFrame
	}
	if data[0] != binaryAudioFrame {
		return AudioFrame{}, fmt.Errorf("%w: 0x%02x", ErrFrameKind, data[0])
	}
	return AudioFrame{
		Seq:       binary.BigEndian.Uint32(data[1:5]),
		Timestamp: time.Duration(binary.BigEndian.Uint64(data[5:13])) * time.Millisecond,
		PCM:       data[audioHeaderLen:],
	}, nil
}

// EncodeAudioFrame is the client-side counterpart of DecodeBinary.
func EncodeAudioFrame(f AudioFrame) []byte {
	buf := make([]byte, audioHeaderLen+len(f.PCM))
	buf[0] = binaryAudioFrame
	binary.BigEndian.PutUint32(buf[1:5], f.Seq)
	binary.BigEndian.PutUint64(buf[5:13], uint64(f.Timestamp/time.Millisecond))
	copy(buf[audioHeaderLen:], f.PCM)
	return buf
}

// EncodeInbound serializes a client control message. Used by clients and tests.
func EncodeInbound(msg Inbound) ([]byte, error) {
	var typ string
	switch m := msg.(type) {
	case SessionStart:
		typ = TypeSessionStart
	case SessionUpdate:
		typ = TypeSessionUpdate
	case SessionEnd:
		typ = TypeSessionEnd
	case SessionReset:
		typ = TypeSessionReset
	case UtteranceCancel:
		typ = TypeUtteranceCancel
	case Ping:
		typ = TypePing
	case Opaque:
		return m.Raw, nil
	case AudioFrame:
		return EncodeAudioFrame(m), nil
	default:
		return nil, ErrUnknownType
	}
	body, err := sonic.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return withType(typ, body), nil
}

// DecodeEvent parses an outbound frame back into an Event. Used by clients
// and tests.
func DecodeEvent(f Frame) (Event, error) {
	if f.Binary {
		if len(f.Data) < chunkHeaderLen {
			return nil, ErrShortFrame
		}
		if f.Data[0] != binaryTTSChunk {
			return nil, fmt.Errorf("%w: 0x%02x", ErrFrameKind, f.Data[0])
		}
		return TTSChunk{
			UtteranceID: binary.BigEndian.Uint64(f.Data[1:9]),
			Seq:         binary.BigEndian.Uint32(f.Data[9:13]),
			Data:        f.Data[chunkHeaderLen:],
		}, nil
	}

	var env envelope
	if err := sonic.Unmarshal(f.Data, &env); err != nil {
		return nil, err
	}
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeSessionStarted:
		var e SessionStarted
		err = sonic.Unmarshal(f.Data, &e)
		ev = e
	case TypeSessionResumed:
		var e SessionResumed
		err = sonic.Unmarshal(f.Data, &e)
		ev = e
	case TypeSessionEnded:
		var e SessionEnded
		err = sonic.Unmarshal(f.Data, &e)
		ev = e
	case TypePong:
		ev = Pong{}
	case TypeASRPartial:
		var e ASRPartial
		err = sonic.Unmarshal(f.Data, &e)
		ev = e
	case TypeASRFinal:
		var e ASRFinal
		err = sonic.Unmarshal(f.Data, &e)
		ev = e
	case TypeMTResult:
		var e MTResult
		err = sonic.Unmarshal(f.Data, &e)
		ev = e
	case TypeTTSComplete:
		var e TTSComplete
		err = sonic.Unmarshal(f.Data, &e)
		ev = e
	case TypeError:
		var e ErrorEvent
		err = sonic.Unmarshal(f.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}
