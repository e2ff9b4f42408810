// Package codec parses the broker's packed binary tick frames and encodes
// JSON subscribe/unsubscribe control frames.
//
// Inbound frames are a container of one or more fixed-width packets:
// u16 packetCount, followed by packetCount repetitions of (u16 length,
// payload). Packet layout is selected entirely by the declared length —
// the broker never sends a type byte for market-data packets.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"tickengine/pkg/types"
)

// ErrMalformedFrame is returned when a container's declared packet lengths
// don't sum to the container length, or a packet declares an unrecognized
// length. The whole container is rejected; no partial packets are kept.
var ErrMalformedFrame = errors.New("codec: malformed frame")

const maxSubscribeBatch = 3000

// Packet lengths recognized in the inbound container.
const (
	lenLTP         = 8
	lenIndexQuote  = 28
	lenIndexFull   = 32
	lenEquityQuote = 44
	lenEquityFull  = 184
)

// DivisorLookup resolves the price divisor for a token, based on the
// token's exchange-segment registration. Indices and most segments use
// 100; BSE-currency instruments use 10000.
type DivisorLookup func(token uint32) int64

// Codec decodes inbound tick containers and encodes outbound control frames.
type Codec struct {
	divisor DivisorLookup
}

// New builds a Codec using divisor as the per-token price-divisor resolver.
// A nil divisor defaults every token to the common divisor of 100.
func New(divisor DivisorLookup) *Codec {
	if divisor == nil {
		divisor = func(uint32) int64 { return 100 }
	}
	return &Codec{divisor: divisor}
}

// Decode parses one inbound binary container into zero or more ticks.
// The container is rejected atomically on any structural error: no
// partial results are returned alongside an error.
func (c *Codec) Decode(data []byte) ([]types.Tick, error) {
	r := bytes.NewReader(data)

	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("codec: read packet count: %w", ErrMalformedFrame)
	}

	ticks := make([]types.Tick, 0, count)
	var consumed int = 2

	for i := uint16(0); i < count; i++ {
		var plen uint16
		if err := binary.Read(r, binary.BigEndian, &plen); err != nil {
			return nil, fmt.Errorf("codec: read packet %d length: %w", i, ErrMalformedFrame)
		}
		consumed += 2

		payload := make([]byte, plen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("codec: read packet %d payload (%d bytes): %w", i, plen, ErrMalformedFrame)
		}
		consumed += int(plen)

		tick, err := c.decodePacket(payload)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}

	if consumed != len(data) {
		return nil, fmt.Errorf("codec: declared lengths sum to %d, container is %d bytes: %w", consumed, len(data), ErrMalformedFrame)
	}

	return ticks, nil
}

func (c *Codec) decodePacket(p []byte) (types.Tick, error) {
	switch len(p) {
	case lenLTP:
		return c.decodeLTP(p)
	case lenIndexQuote:
		return c.decodeIndexQuote(p)
	case lenIndexFull:
		return c.decodeIndexFull(p)
	case lenEquityQuote:
		return c.decodeEquityQuote(p)
	case lenEquityFull:
		return c.decodeEquityFull(p)
	default:
		return types.Tick{}, fmt.Errorf("codec: unrecognized packet length %d: %w", len(p), ErrMalformedFrame)
	}
}

func (c *Codec) price(token uint32, raw int32) decimal.Decimal {
	div := c.divisor(token)
	if div <= 0 {
		div = 100
	}
	d := decimal.NewFromInt(int64(raw))
	return d.Div(decimal.NewFromInt(div))
}

func (c *Codec) decodeLTP(p []byte) (types.Tick, error) {
	token := binary.BigEndian.Uint32(p[0:4])
	ltp := int32(binary.BigEndian.Uint32(p[4:8]))
	return types.Tick{
		Token:     token,
		LastPrice: c.price(token, ltp),
		Mode:      types.ModeLTP,
	}, nil
}

func (c *Codec) decodeIndexQuote(p []byte) (types.Tick, error) {
	token := binary.BigEndian.Uint32(p[0:4])
	ltp := int32(binary.BigEndian.Uint32(p[4:8]))
	_ = int32(binary.BigEndian.Uint32(p[8:12]))  // high
	_ = int32(binary.BigEndian.Uint32(p[12:16])) // low
	_ = int32(binary.BigEndian.Uint32(p[16:20])) // open
	_ = int32(binary.BigEndian.Uint32(p[20:24])) // close
	_ = int32(binary.BigEndian.Uint32(p[24:28])) // percent change scaled
	return types.Tick{
		Token:     token,
		LastPrice: c.price(token, ltp),
		Mode:      types.ModeQuote,
	}, nil
}

func (c *Codec) decodeIndexFull(p []byte) (types.Tick, error) {
	token := binary.BigEndian.Uint32(p[0:4])
	ltp := int32(binary.BigEndian.Uint32(p[4:8]))
	ts := int32(binary.BigEndian.Uint32(p[28:32]))
	return types.Tick{
		Token:     token,
		LastPrice: c.price(token, ltp),
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Mode:      types.ModeFull,
	}, nil
}

func (c *Codec) decodeEquityQuote(p []byte) (types.Tick, error) {
	token := binary.BigEndian.Uint32(p[0:4])
	ltp := int32(binary.BigEndian.Uint32(p[4:8]))
	lastQty := binary.BigEndian.Uint32(p[8:12])
	_ = int32(binary.BigEndian.Uint32(p[12:16])) // avg price
	volume := binary.BigEndian.Uint32(p[16:20])
	return types.Tick{
		Token:     token,
		LastPrice: c.price(token, ltp),
		LastQty:   lastQty,
		Volume:    volume,
		Mode:      types.ModeQuote,
	}, nil
}

func (c *Codec) decodeEquityFull(p []byte) (types.Tick, error) {
	token := binary.BigEndian.Uint32(p[0:4])
	ltp := int32(binary.BigEndian.Uint32(p[4:8]))
	lastQty := binary.BigEndian.Uint32(p[8:12])
	_ = int32(binary.BigEndian.Uint32(p[12:16])) // avg price
	volume := binary.BigEndian.Uint32(p[16:20])
	oi := binary.BigEndian.Uint32(p[56:60])
	ts := int32(binary.BigEndian.Uint32(p[60:64]))

	var depth types.DepthSnapshot
	off := 64
	for i := 0; i < 5; i++ {
		depth.Bids[i] = types.DepthLevel{
			Qty:    binary.BigEndian.Uint32(p[off : off+4]),
			Price:  c.price(token, int32(binary.BigEndian.Uint32(p[off+4:off+8]))),
			Orders: binary.BigEndian.Uint16(p[off+8 : off+10]),
		}
		off += 12
	}
	for i := 0; i < 5; i++ {
		depth.Asks[i] = types.DepthLevel{
			Qty:    binary.BigEndian.Uint32(p[off : off+4]),
			Price:  c.price(token, int32(binary.BigEndian.Uint32(p[off+4:off+8]))),
			Orders: binary.BigEndian.Uint16(p[off+8 : off+10]),
		}
		off += 12
	}

	return types.Tick{
		Token:     token,
		LastPrice: c.price(token, ltp),
		LastQty:   lastQty,
		Volume:    volume,
		OI:        oi,
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Depth:     &depth,
		Mode:      types.ModeFull,
	}, nil
}

type subscribeFrame struct {
	Action string      `json:"a"`
	Value  interface{} `json:"v"`
}

// EncodeSubscribe builds one or more JSON "subscribe" control frames for
// tokens. The frames carry only the token list; mode is not encoded in
// them (EncodeMode builds the frames that set it). Token batches are split
// at 3000 per frame to match the broker's per-message cap.
func EncodeSubscribe(tokens []uint32, mode types.Mode) ([][]byte, error) {
	return encodeBatched("subscribe", tokens, func(batch []uint32) interface{} {
		return batch
	}, mode)
}

// EncodeUnsubscribe builds one or more JSON control frames releasing tokens.
func EncodeUnsubscribe(tokens []uint32) ([][]byte, error) {
	return encodeBatched("unsubscribe", tokens, func(batch []uint32) interface{} {
		return batch
	}, 0)
}

// EncodeMode builds one or more JSON control frames switching tokens to mode.
func EncodeMode(tokens []uint32, mode types.Mode) ([][]byte, error) {
	return encodeBatched("mode", tokens, func(batch []uint32) interface{} {
		return []interface{}{mode.String(), batch}
	}, mode)
}

func encodeBatched(action string, tokens []uint32, value func([]uint32) interface{}, _ types.Mode) ([][]byte, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	var frames [][]byte
	for start := 0; start < len(tokens); start += maxSubscribeBatch {
		end := start + maxSubscribeBatch
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[start:end]
		frame := subscribeFrame{Action: action, Value: value(batch)}
		b, err := json.Marshal(frame)
		if err != nil {
			return nil, fmt.Errorf("codec: marshal %s frame: %w", action, err)
		}
		frames = append(frames, b)
	}
	return frames, nil
}
