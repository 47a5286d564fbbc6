package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Known feed metric keys.
const (
	FeedKeyPriceUSD        = "eth_price_usd"
	FeedKeyGasPriceGwei    = "gas_price_gwei"
	FeedKeyBaseFeeGwei     = "base_fee_gwei"
	FeedKeyBlobUtilization = "blob_space_utilization_percent"
	FeedKeyBlockFullness   = "block_fullness_percent"
	FeedKeyBlockNumber     = "block_number"
	FeedKeyEpoch           = "epoch"
)

// FeedDelta is a partial feed snapshot. Nil fields were absent or unusable.
type FeedDelta struct {
	PriceUSD        *float64
	GasPriceGwei    *float64
	BaseFeeGwei     *float64
	BlobUtilization *float64
	BlockFullness   *float64
	BlockNumber     *int64
	Epoch           *string

	// Ignored lists keys that were dropped: unknown metrics or known metrics
	// with an unusable value. Sorted.
	Ignored []string
}

// Empty reports whether no known metric is present.
func (d FeedDelta) Empty() bool {
	return d.PriceUSD == nil && d.GasPriceGwei == nil && d.BaseFeeGwei == nil &&
		d.BlobUtilization == nil && d.BlockFullness == nil && d.BlockNumber == nil && d.Epoch == nil
}

// DecodeFeedDelta decodes a feed object. Unknown keys are tolerated.
func DecodeFeedDelta(raw []byte) (FeedDelta, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return FeedDelta{}, fmt.Errorf("%w: feed: %v", ErrDecode, err)
	}
	var d FeedDelta
	for key, value := range fields {
		var ok bool
		switch key {
		case FeedKeyPriceUSD:
			d.PriceUSD, ok = decodeFloat(value)
		case FeedKeyGasPriceGwei:
			d.GasPriceGwei, ok = decodeFloat(value)
		case FeedKeyBaseFeeGwei:
			d.BaseFeeGwei, ok = decodeFloat(value)
		case FeedKeyBlobUtilization:
			d.BlobUtilization, ok = decodeFloat(value)
		case FeedKeyBlockFullness:
			d.BlockFullness, ok = decodeFloat(value)
		case FeedKeyBlockNumber:
			d.BlockNumber, ok = decodeInt(value)
		case FeedKeyEpoch:
			d.Epoch, ok = decodeLabel(value)
		}
		if !ok {
			d.Ignored = append(d.Ignored, key)
		}
	}
	sort.Strings(d.Ignored)
	return d, nil
}

func decodeFloat(raw json.RawMessage) (*float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, false
	}
	return &v, true
}

// decodeInt accepts integral JSON numbers and floats that fit in an int64.
// Out-of-range values are rejected rather than truncated.
func decodeInt(raw json.RawMessage) (*int64, bool) {
	var exact int64
	if err := json.Unmarshal(raw, &exact); err == nil {
		return &exact, true
	}
	f, ok := decodeFloat(raw)
	if !ok {
		return nil, false
	}
	if *f < -(1<<63) || *f >= 1<<63 {
		return nil, false
	}
	v := int64(*f)
	return &v, true
}

// decodeLabel accepts a number or a string; the controller sends both for epoch.
func decodeLabel(raw json.RawMessage) (*string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return &s, true
	}
	f, ok := decodeFloat(raw)
	if !ok {
		return nil, false
	}
	s = strconv.FormatFloat(*f, 'f', -1, 64)
	return &s, true
}
