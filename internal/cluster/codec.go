package cluster

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/dreamware/logweave/internal/errs"
)

// Content types understood by the data endpoint.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec encodes data batches on the wire.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON encodes with encoding/json. Numbers decode as json.Number so they
// reach the log file exactly as sent.
var JSON Codec = jsonCodec{}

// CBOR encodes with Core Deterministic Encoding; maps decode as
// map[string]any.
var CBOR Codec = newCBORCodec()

// CodecFor returns the codec for a Content-Type header value, JSON when
// the header is empty, or an errs.EInvalid error.
func CodecFor(contentType string) (Codec, error) {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	switch contentType {
	case "", ContentTypeJSON:
		return JSON, nil
	case ContentTypeCBOR:
		return CBOR, nil
	}
	return nil, errs.New(errs.EInvalid, "cluster.CodecFor", "unsupported content type %q", contentType)
}

// CodecByName returns the codec called "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, errs.New(errs.EInvalid, "cluster.CodecByName", "unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cluster: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("cluster: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) ContentType() string { return ContentTypeCBOR }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
