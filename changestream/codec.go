package changestream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/maxpert/vaultsync/common"
	"github.com/maxpert/vaultsync/encoding"
)

// Codec turns a RowChange into a topic message value and back.
type Codec interface {
	Name() string
	Encode(RowChange) ([]byte, error)
	Decode([]byte) (RowChange, error)
}

// CodecFactory creates a Codec.
type CodecFactory func() Codec

var (
	codecFactories = make(map[string]CodecFactory)
	codecMu        sync.RWMutex
)

func init() {
	RegisterCodec("json", func() Codec { return jsonCodec{} })
	RegisterCodec("msgpack", func() Codec { return msgpackCodec{} })
}

// RegisterCodec registers a codec factory under a format name.
func RegisterCodec(format string, factory CodecFactory) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecFactories[format] = factory
}

// NewCodec creates the codec registered for format. An empty format means json.
func NewCodec(format string) (Codec, error) {
	if format == "" {
		format = "json"
	}
	codecMu.RLock()
	factory, exists := codecFactories[format]
	codecMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown change stream format: %s", format)
	}
	return factory(), nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(r RowChange) ([]byte, error) {
	return json.Marshal(r)
}

func (jsonCodec) Decode(data []byte) (RowChange, error) {
	var r RowChange
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&r); err != nil {
		return RowChange{}, common.Validationf("decode json row change: %v", err)
	}
	if err := r.Validate(); err != nil {
		return RowChange{}, err
	}
	return r, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(r RowChange) ([]byte, error) {
	return encoding.Marshal(r)
}

func (msgpackCodec) Decode(data []byte) (RowChange, error) {
	var r RowChange
	if err := encoding.Unmarshal(data, &r); err != nil {
		return RowChange{}, common.Validationf("decode msgpack row change: %v", err)
	}
	if err := r.Validate(); err != nil {
		return RowChange{}, err
	}
	return r, nil
}
