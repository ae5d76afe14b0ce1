package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrUnknownDictionaryEntry is returned by Decode when a token references a
// dictionary identifier that was never issued. It indicates the dictionary
// used to decode is not the one that produced the token (for example, a
// persisted dictionary that was not loaded before reading old rows).
var ErrUnknownDictionaryEntry = errors.New("unknown dictionary entry")

// Token marker bytes. The first byte of an encoded value tells Decode how to
// interpret the remainder, so decoding never has to guess.
const (
	markerDict   = 0x01 // followed by a uvarint dictionary identifier
	markerBlock  = 0x02 // followed by a zstd-compressed payload
	markerEscape = 0x03 // followed by a literal that begins with a marker byte
)

// Config holds compressor tuning parameters.
type Config struct {
	// MaxEntries caps dictionary growth. Once the cap is reached, new
	// strings pass through as literals. Zero means unbounded.
	MaxEntries int `validate:"min=0"`

	// BlockThreshold is the length in bytes at or above which a string is
	// block-compressed with zstd instead of dictionary-encoded. Long values
	// are usually unique, so storing them in the dictionary only bloats it.
	// Zero disables the block path.
	BlockThreshold int `validate:"min=0"`
}

// DefaultConfig returns the compressor configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxEntries:     1 << 20,
		BlockThreshold: 4096,
	}
}

// Entry is one persisted dictionary mapping.
type Entry struct {
	ID    uint32 `json:"id"`
	Value string `json:"value"`
}

// Compressor maintains a bidirectional string dictionary and encodes string
// values into self-describing tokens. Identifiers are assigned in encounter
// order and never reused, so Decode(EncodeString(s)) == s holds for the
// lifetime of the dictionary.
//
// All methods are safe for concurrent use. Both directions of the dictionary
// are inserted under the same lock, so a concurrent reader never observes a
// half-written mapping.
type Compressor struct {
	mu      sync.Mutex
	byValue map[string]uint32
	byID    map[uint32]string
	nextID  uint32

	cfg  Config
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// New creates a Compressor with the given configuration.
func New(cfg Config) (*Compressor, error) {
	c := &Compressor{
		byValue: make(map[string]uint32),
		byID:    make(map[uint32]string),
		cfg:     cfg,
	}

	if cfg.BlockThreshold > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		c.zenc = enc
		c.zdec = dec
	}

	return c, nil
}

// EncodeString returns the token for s. Known strings map to their existing
// identifier; unseen strings are inserted into the dictionary (unless the
// cap is reached) and receive the next identifier. Strings at or above the
// block threshold are zstd-compressed instead.
func (c *Compressor) EncodeString(s string) string {
	if token, ok := c.blockToken(s); ok {
		return token
	}

	c.mu.Lock()
	id, ok := c.byValue[s]
	if !ok && (c.cfg.MaxEntries == 0 || len(c.byValue) < c.cfg.MaxEntries) {
		id = c.nextID
		c.nextID++
		c.byValue[s] = id
		c.byID[id] = s
		ok = true
	}
	c.mu.Unlock()

	if !ok {
		return escapeLiteral(s)
	}
	return dictToken(id)
}

// Token returns the wire form s has when stored, without growing the
// dictionary: the existing dictionary token if s is known, otherwise the
// literal (or block) form. Query parameters that compare against stored
// values are built with this, so a lookup for an unseen string does not
// pollute the dictionary.
func (c *Compressor) Token(s string) string {
	if token, ok := c.blockToken(s); ok {
		return token
	}

	c.mu.Lock()
	id, ok := c.byValue[s]
	c.mu.Unlock()

	if ok {
		return dictToken(id)
	}
	return escapeLiteral(s)
}

// Decode reverses EncodeString. Dictionary lookups are O(1) against the
// identifier-to-string map. Tokens without a marker byte are literals and
// pass through unchanged.
func (c *Compressor) Decode(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	switch token[0] {
	case markerDict:
		id, n := binary.Uvarint([]byte(token[1:]))
		if n <= 0 {
			return "", fmt.Errorf("malformed dictionary token (%d bytes)", len(token))
		}
		c.mu.Lock()
		s, ok := c.byID[uint32(id)]
		c.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("%w: id %d", ErrUnknownDictionaryEntry, id)
		}
		return s, nil

	case markerBlock:
		if c.zdec == nil {
			return "", fmt.Errorf("block-compressed token but block compression is disabled")
		}
		raw, err := c.zdec.DecodeAll([]byte(token[1:]), nil)
		if err != nil {
			return "", fmt.Errorf("failed to decompress block token: %w", err)
		}
		return string(raw), nil

	case markerEscape:
		return token[1:], nil

	default:
		return token, nil
	}
}

// EncodeRecord applies EncodeString to every string-valued field of the
// record and passes all other fields through unchanged.
func (c *Compressor) EncodeRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		if s, ok := v.(string); ok {
			out[k] = c.EncodeString(s)
		} else {
			out[k] = v
		}
	}
	return out
}

// DecodeRecord reverses EncodeRecord.
func (c *Compressor) DecodeRecord(record map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		decoded, err := c.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode field %q: %w", k, err)
		}
		out[k] = decoded
	}
	return out, nil
}

// Train pre-populates the dictionary from sample records so strings seen
// during training already have identifiers when live traffic arrives.
func (c *Compressor) Train(samples []map[string]any) {
	for _, rec := range samples {
		for _, v := range rec {
			if s, ok := v.(string); ok {
				if c.zenc != nil && len(s) >= c.cfg.BlockThreshold {
					continue
				}
				c.EncodeString(s)
			}
		}
	}
}

// Len returns the number of dictionary entries.
func (c *Compressor) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byValue)
}

// Snapshot returns every dictionary entry ordered by identifier, for
// persistence.
func (c *Compressor) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]Entry, 0, len(c.byID))
	for id := uint32(0); id < c.nextID; id++ {
		if s, ok := c.byID[id]; ok {
			entries = append(entries, Entry{ID: id, Value: s})
		}
	}
	return entries
}

// Restore replaces the dictionary with the given entries, typically loaded
// from the persisted dictionary table. Identifier assignment resumes after
// the highest restored identifier.
func (c *Compressor) Restore(entries []Entry) error {
	byValue := make(map[string]uint32, len(entries))
	byID := make(map[uint32]string, len(entries))
	var next uint32

	for _, e := range entries {
		if prev, ok := byID[e.ID]; ok && prev != e.Value {
			return fmt.Errorf("duplicate dictionary id %d (%q vs %q)", e.ID, prev, e.Value)
		}
		if prev, ok := byValue[e.Value]; ok && prev != e.ID {
			return fmt.Errorf("duplicate dictionary value %q (id %d vs %d)", e.Value, prev, e.ID)
		}
		byValue[e.Value] = e.ID
		byID[e.ID] = e.Value
		if e.ID >= next {
			next = e.ID + 1
		}
	}

	c.mu.Lock()
	c.byValue = byValue
	c.byID = byID
	c.nextID = next
	c.mu.Unlock()
	return nil
}

// blockToken zstd-compresses s when it crosses the block threshold and the
// result is actually smaller. EncodeAll is deterministic for a fixed
// encoder configuration, so equal inputs yield equal tokens.
func (c *Compressor) blockToken(s string) (string, bool) {
	if c.zenc == nil || len(s) < c.cfg.BlockThreshold {
		return "", false
	}
	compressed := c.zenc.EncodeAll([]byte(s), make([]byte, 1, len(s)/2+1))
	if len(compressed) >= len(s) {
		return escapeLiteral(s), true
	}
	compressed[0] = markerBlock
	return string(compressed), true
}

func dictToken(id uint32) string {
	buf := make([]byte, 1+binary.MaxVarintLen32)
	buf[0] = markerDict
	n := binary.PutUvarint(buf[1:], uint64(id))
	return string(buf[:1+n])
}

func escapeLiteral(s string) string {
	if len(s) > 0 && (s[0] == markerDict || s[0] == markerBlock || s[0] == markerEscape) {
		return string([]byte{markerEscape}) + s
	}
	return s
}
