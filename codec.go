package xroute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// MsgpackCodec encodes with MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error)   { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(b []byte, v any) error { return msgpack.Unmarshal(b, v) }
func (MsgpackCodec) Name() string                    { return "msgpack" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json":    func() Codec { return JSONCodec{} },
		"msgpack": func() Codec { return MsgpackCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// DecodeCodec unmarshals an encoded payload into T. Payloads that already hold
// a T are returned as is.
func DecodeCodec[T any](c Codec, msg *Message) (T, error) {
	var v T
	if typed, ok := PayloadAs[T](msg); ok {
		return typed, nil
	}
	var data []byte
	switch p := msg.Payload().(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		return v, fmt.Errorf("xroute: payload of message %s is %T, not encoded bytes", msg.ID(), p)
	}
	if err := c.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// Decode unmarshals msg's payload into T. The codec named by the content-type
// header wins, then the Codec found in ctx, then JSON.
func Decode[T any](ctx context.Context, msg *Message) (T, error) {
	if name := msg.HeaderString(HeaderContentType); name != "" {
		if c, err := NewCodec(name); err == nil {
			return DecodeCodec[T](c, msg)
		}
	}
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return DecodeCodec[T](c, msg)
}
