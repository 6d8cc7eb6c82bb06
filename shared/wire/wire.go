// Package wire defines the PriceFeed gRPC contract. Messages are
// google.protobuf.Struct values, so no generated code is needed on either side.
package wire

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/linluma/pricehub/shared/models"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "pricehub.v1.PriceFeed"

// Full method names
const (
	SubscribeMethod   = "/" + ServiceName + "/Subscribe"
	GetSnapshotMethod = "/" + ServiceName + "/GetSnapshot"
	GetCandlesMethod  = "/" + ServiceName + "/GetCandles"
	ReconnectMethod   = "/" + ServiceName + "/Reconnect"
)

// Request is the union of the fields any PriceFeed request carries
type Request struct {
	Source   models.SourceName
	Symbols  []string
	Symbol   string
	Interval string
	Limit    int
}

// EncodeRequest builds the request message, leaving zero fields out
func EncodeRequest(r Request) (*structpb.Struct, error) {
	fields := map[string]any{}
	if r.Source != "" {
		fields["source"] = string(r.Source)
	}
	if len(r.Symbols) > 0 {
		symbols := make([]any, len(r.Symbols))
		for i, s := range r.Symbols {
			symbols[i] = s
		}
		fields["symbols"] = symbols
	}
	if r.Symbol != "" {
		fields["symbol"] = r.Symbol
	}
	if r.Interval != "" {
		fields["interval"] = r.Interval
	}
	if r.Limit != 0 {
		fields["limit"] = float64(r.Limit)
	}
	return structpb.NewStruct(fields)
}

// DecodeRequest reads a request message; unknown or mistyped fields are ignored
func DecodeRequest(msg *structpb.Struct) Request {
	var r Request
	if msg == nil {
		return r
	}
	f := msg.GetFields()
	r.Source = models.SourceName(f["source"].GetStringValue())
	for _, v := range f["symbols"].GetListValue().GetValues() {
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			r.Symbols = append(r.Symbols, s.StringValue)
		}
	}
	r.Symbol = f["symbol"].GetStringValue()
	r.Interval = f["interval"].GetStringValue()
	r.Limit = int(f["limit"].GetNumberValue())
	return r
}

// EncodeSnapshot builds a price frame. Prices are sorted by symbol.
func EncodeSnapshot(snap models.Snapshot) *structpb.Struct {
	symbols := make([]string, 0, len(snap.Prices))
	for sym := range snap.Prices {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	prices := make([]*structpb.Value, len(symbols))
	for i, sym := range symbols {
		rec := snap.Prices[sym]
		prices[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"symbol":             structpb.NewStringValue(rec.Symbol),
			"price_usd":          number(rec.PriceUSD),
			"price_local":        number(rec.PriceLocal),
			"change_24h_percent": number(rec.Change24hPercent),
			"last_update":        structpb.NewStringValue(rec.LastUpdate.UTC().Format(time.RFC3339Nano)),
		}})
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"source":       structpb.NewStringValue(string(snap.Source)),
		"state":        structpb.NewStringValue(snap.State.String()),
		"error":        structpb.NewStringValue(snap.Error),
		"update_count": structpb.NewNumberValue(float64(snap.UpdateCount)),
		"prices":       structpb.NewListValue(&structpb.ListValue{Values: prices}),
	}}
}

// DecodeSnapshot is the inverse of EncodeSnapshot
func DecodeSnapshot(msg *structpb.Struct) (models.Snapshot, error) {
	f := msg.GetFields()
	snap := models.Snapshot{
		Source:      models.SourceName(f["source"].GetStringValue()),
		State:       models.ParseConnectionState(f["state"].GetStringValue()),
		Error:       f["error"].GetStringValue(),
		UpdateCount: uint64(f["update_count"].GetNumberValue()),
		Prices:      make(map[string]models.PriceRecord),
	}

	for i, v := range f["prices"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		if pf == nil {
			return models.Snapshot{}, fmt.Errorf("price %d is not an object", i)
		}
		rec := models.PriceRecord{
			Symbol:           pf["symbol"].GetStringValue(),
			PriceUSD:         fromNumber(pf["price_usd"]),
			PriceLocal:       fromNumber(pf["price_local"]),
			Change24hPercent: fromNumber(pf["change_24h_percent"]),
		}
		if ts := pf["last_update"].GetStringValue(); ts != "" {
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return models.Snapshot{}, fmt.Errorf("price %d: bad last_update: %w", i, err)
			}
			rec.LastUpdate = t
		}
		snap.Prices[rec.Symbol] = rec
	}
	return snap, nil
}

// EncodeCandles builds the GetCandles response
func EncodeCandles(symbol, interval string, candles []models.ProcessedCandle) *structpb.Struct {
	list := make([]*structpb.Value, len(candles))
	for i, c := range candles {
		list[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"open_time":    structpb.NewNumberValue(float64(c.OpenTime.UnixMilli())),
			"close_time":   structpb.NewNumberValue(float64(c.CloseTime.UnixMilli())),
			"open":         number(c.Open),
			"high":         number(c.High),
			"low":          number(c.Low),
			"close":        number(c.Close),
			"volume":       number(c.Volume),
			"momentum":     number(c.Momentum),
			"body_size":    number(c.BodySize),
			"upper_shadow": number(c.UpperShadow),
			"lower_shadow": number(c.LowerShadow),
			"is_bullish":   structpb.NewBoolValue(c.IsBullish),
		}})
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"symbol":   structpb.NewStringValue(symbol),
		"interval": structpb.NewStringValue(interval),
		"candles":  structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

// DecodeCandles is the inverse of EncodeCandles
func DecodeCandles(msg *structpb.Struct) ([]models.ProcessedCandle, error) {
	values := msg.GetFields()["candles"].GetListValue().GetValues()
	out := make([]models.ProcessedCandle, 0, len(values))
	for i, v := range values {
		f := v.GetStructValue().GetFields()
		if f == nil {
			return nil, fmt.Errorf("candle %d is not an object", i)
		}
		out = append(out, models.ProcessedCandle{
			Candle: models.Candle{
				OpenTime:  time.UnixMilli(int64(f["open_time"].GetNumberValue())).UTC(),
				CloseTime: time.UnixMilli(int64(f["close_time"].GetNumberValue())).UTC(),
				Open:      fromNumber(f["open"]),
				High:      fromNumber(f["high"]),
				Low:       fromNumber(f["low"]),
				Close:     fromNumber(f["close"]),
				Volume:    fromNumber(f["volume"]),
			},
			Momentum:    fromNumber(f["momentum"]),
			BodySize:    fromNumber(f["body_size"]),
			UpperShadow: fromNumber(f["upper_shadow"]),
			LowerShadow: fromNumber(f["lower_shadow"]),
			IsBullish:   f["is_bullish"].GetBoolValue(),
		})
	}
	return out, nil
}

// NaN and infinities are sent as null; JSON transcoding of Struct rejects them
func number(f float64) *structpb.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return structpb.NewNullValue()
	}
	return structpb.NewNumberValue(f)
}

func fromNumber(v *structpb.Value) float64 {
	if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
		return n.NumberValue
	}
	return math.NaN()
}
