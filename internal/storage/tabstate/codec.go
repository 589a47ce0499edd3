// Package tabstate reads and writes the per-tab state files of a selector
// directory.
//
// File layout:
//
//	"TBST" | record (protobuf wire format) | crc32c of everything before it
//
// Record fields: 1 format version, 2 tab id, 3 url, 4 incognito,
// 5 timestamp (unix ms, zigzag), 6 state blob, 7 blob compression.
// Incognito blobs are sealed with XChaCha20-Poly1305 under a key that lives
// only as long as the runtime, so they cannot be read back after a restart.
package tabstate

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/util"
	"github.com/devrev/tabstore/internal/validation"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"google.golang.org/protobuf/encoding/protowire"
)

// Magic starts every tab state file
const Magic = "TBST"

// FormatVersion is the record version written by Encode
const FormatVersion = 1

const (
	fieldVersion     protowire.Number = 1
	fieldTabID       protowire.Number = 2
	fieldURL         protowire.Number = 3
	fieldIncognito   protowire.Number = 4
	fieldTimestamp   protowire.Number = 5
	fieldBlob        protowire.Number = 6
	fieldCompression protowire.Number = 7
)

// Compression identifies how the state blob is stored
type Compression uint64

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

var (
	ErrBadMagic       = errors.New("not a tab state file")
	ErrUnsealFailed   = errors.New("incognito state cannot be decrypted")
	ErrUnknownVersion = errors.New("unknown tab state format version")
)

// Options controls blob compression
type Options struct {
	Compress        bool
	CompressMinSize int
}

// Codec converts TabState values to file bytes and back. It is safe for
// concurrent use.
type Codec struct {
	aead    cipher.AEAD
	opts    Options
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewKey generates a random sealing key for incognito state
func NewKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate tab state key: %w", err)
	}
	return key, nil
}

// NewCodec creates a codec sealing incognito blobs with key
func NewCodec(key []byte, opts Options) (*Codec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create tab state cipher: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(validation.MaxStateBlobSize)))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{aead: aead, opts: opts, encoder: encoder, decoder: decoder}, nil
}

// Close releases the compression resources
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// Encode serializes state into file bytes
func (c *Codec) Encode(state *model.TabState) ([]byte, error) {
	blob := state.Blob
	compression := CompressionNone
	if c.opts.Compress && len(blob) > 0 && len(blob) >= c.opts.CompressMinSize {
		blob = c.encoder.EncodeAll(blob, make([]byte, 0, len(blob)))
		compression = CompressionZstd
	}
	if state.Incognito {
		sealed, err := c.seal(state.TabID, blob)
		if err != nil {
			return nil, err
		}
		blob = sealed
	}

	b := make([]byte, 0, len(Magic)+len(state.URL)+len(blob)+32)
	b = append(b, Magic...)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, FormatVersion)
	b = protowire.AppendTag(b, fieldTabID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(state.TabID))
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, state.URL)
	b = protowire.AppendTag(b, fieldIncognito, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(state.Incognito))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(state.Timestamp.UnixMilli()))
	b = protowire.AppendTag(b, fieldBlob, protowire.BytesType)
	b = protowire.AppendBytes(b, blob)
	if compression != CompressionNone {
		b = protowire.AppendTag(b, fieldCompression, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(compression))
	}
	return util.AppendChecksum(b), nil
}

// Decode parses file bytes. Unknown fields are skipped.
func (c *Codec) Decode(data []byte) (*model.TabState, error) {
	payload, err := util.StripChecksum(data)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(payload, []byte(Magic)) {
		return nil, ErrBadMagic
	}
	b := payload[len(Magic):]

	state := &model.TabState{TabID: model.InvalidTabID}
	var (
		version     uint64
		blob        []byte
		compression Compression
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != fieldURL && num != fieldBlob:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				version = v
			case fieldTabID:
				state.TabID = int(v)
			case fieldIncognito:
				state.Incognito = protowire.DecodeBool(v)
			case fieldTimestamp:
				state.Timestamp = time.UnixMilli(protowire.DecodeZigZag(v))
			case fieldCompression:
				compression = Compression(v)
			}
		case typ == protowire.BytesType && (num == fieldURL || num == fieldBlob):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			if num == fieldURL {
				state.URL = string(v)
			} else {
				blob = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if state.TabID < 0 {
		return nil, fmt.Errorf("tab state without tab id")
	}

	if state.Incognito {
		if blob, err = c.open(state.TabID, blob); err != nil {
			return nil, err
		}
	}
	switch compression {
	case CompressionNone:
		state.Blob = append([]byte(nil), blob...)
	case CompressionZstd:
		if state.Blob, err = c.decoder.DecodeAll(blob, nil); err != nil {
			return nil, fmt.Errorf("decompress tab state: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown tab state compression %d", compression)
	}
	if len(state.Blob) > validation.MaxStateBlobSize {
		return nil, fmt.Errorf("tab state blob of %d bytes exceeds maximum", len(state.Blob))
	}
	return state, nil
}

func (c *Codec) seal(tabID int, blob []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(blob)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, blob, additionalData(tabID)), nil
}

func (c *Codec) open(tabID int, sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, ErrUnsealFailed
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, additionalData(tabID))
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plain, nil
}

// additionalData binds a sealed blob to its tab
func additionalData(tabID int) []byte {
	return binary.BigEndian.AppendUint64([]byte(Magic), uint64(tabID))
}
