package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/persistd/internal/persistence"
)

// Codec names.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// FrameReader yields request frames. A *persistence.Error from Read
// rejects one malformed frame and the stream continues; any other error
// ends the stream.
type FrameReader interface {
	Read() (Request, error)
}

// FrameWriter writes response frames. It is not safe for concurrent use.
type FrameWriter interface {
	Write(Response) error
}

// Codec frames requests and responses on a byte stream.
type Codec interface {
	Name() string
	NewReader(r io.Reader) FrameReader
	NewWriter(w io.Writer) FrameWriter
}

// LookupCodec returns the codec with the given name.
func LookupCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case CodecJSON, "":
		return JSONCodec{}, nil
	case CodecCBOR:
		return CBORCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q (want %q or %q)", name, CodecJSON, CodecCBOR)
}

// frame is a decoded request before its fields are checked.
type frame struct {
	ID      any             `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

func malformed(err error) *persistence.Error {
	return persistence.NewError(persistence.KindDeserializationError, "malformed request: "+err.Error())
}

// JSONCodec frames one JSON object per line.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) NewReader(r io.Reader) FrameReader {
	return &jsonReader{r: bufio.NewReader(r)}
}

func (JSONCodec) NewWriter(w io.Writer) FrameWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonWriter{enc: enc}
}

type jsonReader struct {
	r *bufio.Reader
}

func (jr *jsonReader) Read() (Request, error) {
	for {
		line, err := jr.r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return Request{}, err
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return Request{}, err
		}
		return decodeJSONFrame(line)
	}
}

func decodeJSONFrame(line []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var f frame
	if err := dec.Decode(&f); err != nil {
		return Request{}, malformed(err)
	}
	if f.Command == "" {
		return Request{ID: f.ID}, malformed(errors.New("missing command"))
	}
	return Request{ID: f.ID, Command: f.Command, Args: f.Args}, nil
}

type jsonWriter struct {
	enc *json.Encoder
}

func (jw *jsonWriter) Write(resp Response) error {
	return jw.enc.Encode(resp.wire())
}

// cborEnc uses Core Deterministic Encoding so equal responses encode to
// identical bytes.
var cborEnc cbor.EncMode

// cborDec decodes untyped maps as map[string]any so arguments can be
// re-encoded as JSON.
var cborDec cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec frames requests and responses as a CBOR sequence of maps.
// Byte results are CBOR byte strings.
type CBORCodec struct{}

func (CBORCodec) Name() string { return CodecCBOR }

func (CBORCodec) NewReader(r io.Reader) FrameReader {
	return &cborReader{dec: cborDec.NewDecoder(r)}
}

func (CBORCodec) NewWriter(w io.Writer) FrameWriter {
	return &cborWriter{enc: cborEnc.NewEncoder(w)}
}

type cborReader struct {
	dec *cbor.Decoder
}

// Read decodes the next item. A CBOR syntax error cannot be resynchronized
// and ends the stream; a well-formed item that is not a request is
// rejected on its own.
func (cr *cborReader) Read() (Request, error) {
	var item any
	if err := cr.dec.Decode(&item); err != nil {
		if errors.Is(err, io.EOF) {
			return Request{}, io.EOF
		}
		return Request{}, fmt.Errorf("decoding CBOR frame: %w", err)
	}

	m, ok := item.(map[string]any)
	if !ok {
		return Request{}, malformed(fmt.Errorf("frame is %T, want a map", item))
	}
	req := Request{ID: m["id"]}
	command, ok := m["command"].(string)
	if !ok || command == "" {
		return req, malformed(errors.New("missing command"))
	}
	req.Command = command

	if args, ok := m["args"]; ok && args != nil {
		// []byte values become base64 strings, which ByteArray accepts.
		raw, err := json.Marshal(args)
		if err != nil {
			return req, malformed(err)
		}
		req.Args = raw
	}
	return req, nil
}

type cborWriter struct {
	enc *cbor.Encoder
}

func (cw *cborWriter) Write(resp Response) error {
	w := resp.wire()
	if data, ok := w["data"]; ok {
		v, err := cborValue(data)
		if err != nil {
			return fmt.Errorf("encoding response data: %w", err)
		}
		w["data"] = v
	}
	return cw.enc.Encode(w)
}

// cborValue converts a result into plain CBOR-friendly values. Results
// are shaped for JSON, so they pass through their JSON form; byte
// results stay byte strings.
func cborValue(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case ByteArray:
		return []byte(v), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return numbersToNative(generic), nil
}

func numbersToNative(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for k, e := range v {
			v[k] = numbersToNative(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = numbersToNative(e)
		}
		return v
	}
	return v
}
