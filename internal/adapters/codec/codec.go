// Package codec is the single serialization boundary between the typed
// documents and the bytes that travel on the log.
package codec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ghalamif/fleetlog/internal/ports"
)

// HeaderCompression carries the codec used for the record value.
const HeaderCompression = "compression"

type Compression string

const (
	None Compression = "none"
	Zstd Compression = "zstd"
	LZ4  Compression = "lz4"
)

// ParseCompression maps a config value onto a Compression. Empty means None.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", None:
		return None, nil
	case Zstd:
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	default:
		return "", errors.Newf("unknown compression %q", s)
	}
}

// Codec encodes values as JSON, optionally compressed, and decodes any record
// regardless of the compression it was written with.
type Codec struct {
	compression Compression
	zenc        *zstd.Encoder
	zdec        *zstd.Decoder
}

func New(c Compression) (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decoder")
	}
	if c == "" {
		c = None
	}
	return &Codec{compression: c, zenc: enc, zdec: dec}, nil
}

func (c *Codec) Compression() Compression { return c.compression }

// Encode serializes v and returns the payload plus the headers describing it.
func (c *Codec) Encode(v any) ([]byte, map[string]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal")
	}
	out, err := c.compress(raw)
	if err != nil {
		return nil, nil, err
	}
	return out, map[string]string{HeaderCompression: string(c.compression)}, nil
}

// Decode reverses Encode for rec into v.
func (c *Codec) Decode(rec *ports.Record, v any) error {
	raw, err := c.Raw(rec)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "unmarshal")
	}
	return nil
}

// Raw returns the decompressed JSON payload of rec.
func (c *Codec) Raw(rec *ports.Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("nil record")
	}
	switch Compression(rec.Headers[HeaderCompression]) {
	case "", None:
		return rec.Value, nil
	case Zstd:
		out, err := c.zdec.DecodeAll(rec.Value, nil)
		return out, errors.Wrap(err, "zstd decode")
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(rec.Value)))
		return out, errors.Wrap(err, "lz4 decode")
	default:
		return nil, errors.Newf("unknown compression header %q", rec.Headers[HeaderCompression])
	}
}

func (c *Codec) compress(raw []byte) ([]byte, error) {
	switch c.compression {
	case None:
		return raw, nil
	case Zstd:
		return c.zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, errors.Wrap(err, "lz4 encode")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4 encode")
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Newf("unknown compression %q", c.compression)
	}
}
