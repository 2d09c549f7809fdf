// Package oracle reads third-party on-chain price accounts and serves
// normalized prices with a short cache and a REST fallback chain.
package oracle

import (
	"encoding/binary"
	"math"
)

// Pyth V2 price account layout (little-endian), fixed offsets:
//   [0..4)     magic (u32, 0xa1b2c3d4)
//   [4..8)     version
//   [8..12)    account type
//   [20..24)   exponent (i32)
//   [208..216) aggregate price (i64)
//   [216..224) aggregate confidence (u64)
//   [224..228) aggregate status (u32)
const (
	PythMagic = uint32(0xa1b2c3d4)

	exponentOffset  = 20
	aggregateOffset = 208

	// minAccountSize is the smallest buffer that can hold the
	// aggregate block.
	minAccountSize = 200

	// StatusTrading marks an actively updated price.
	StatusTrading = uint32(1)
)

// PriceData is the raw parsed content of a price account. Price and
// confidence are in mantissa units; the normalized value is
// mantissa times 10^Exponent.
type PriceData struct {
	Price      int64
	Confidence uint64
	Exponent   int32
	Status     uint32
}

// ParsePriceAccount parses a Pyth V2 price account buffer. It returns
// nil for undersized buffers or a magic mismatch; malformed input never
// panics. This is a parse-or-nil contract.
func ParsePriceAccount(data []byte) *PriceData {
	if len(data) < minAccountSize {
		return nil
	}
	if len(data) < aggregateOffset+20 {
		return nil
	}
	if binary.LittleEndian.Uint32(data[0:4]) != PythMagic {
		return nil
	}

	return &PriceData{
		Exponent:   int32(binary.LittleEndian.Uint32(data[exponentOffset : exponentOffset+4])),
		Price:      int64(binary.LittleEndian.Uint64(data[aggregateOffset : aggregateOffset+8])),
		Confidence: binary.LittleEndian.Uint64(data[aggregateOffset+8 : aggregateOffset+16]),
		Status:     binary.LittleEndian.Uint32(data[aggregateOffset+16 : aggregateOffset+20]),
	}
}

// NormalizedPrice returns the price in standard units.
func (p *PriceData) NormalizedPrice() float64 {
	return float64(p.Price) * math.Pow(10, float64(p.Exponent))
}

// NormalizedConfidence returns the confidence interval in standard units.
func (p *PriceData) NormalizedConfidence() float64 {
	return float64(p.Confidence) * math.Pow(10, float64(p.Exponent))
}
