// Package ingress turns trade notifications from the wallet/contract layer
// into validated model.Trade values.
//
// Two transports share one payload schema: the HTTP ingestion endpoint and
// the Kafka consumer. Both decode with Decode and hand the result to a
// TradeIngester.
//
// Example payload:
//
//	{
//		"token_address": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
//		"type":          "buy",
//		"token_amount":  "1000",
//		"bnb_value":     "0.25",
//		"timestamp":     "2024-05-01T12:00:00.000Z"
//	}
package ingress

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/utils"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// TradeIngester applies a decoded trade. service.BarService implements it.
type TradeIngester interface {
	Ingest(ctx context.Context, trade model.Trade) (model.TradeUpdate, error)
}

// Amount is a decimal carried either as a JSON string or a bare JSON number.
// It is kept textual until ParseTrade so no precision is lost on the way.
type Amount string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	*a = Amount(strings.TrimSpace(s))
	return nil
}

// TradeRequest is the trade notification payload.
type TradeRequest struct {
	TokenAddress string `json:"token_address" validate:"required"`
	Type         string `json:"type" validate:"required"`
	TokenAmount  Amount `json:"token_amount" validate:"required"`
	BNBValue     Amount `json:"bnb_value" validate:"required"`
	Timestamp    string `json:"timestamp" validate:"required"`
}

var validate = validator.New()

// zoneless layouts are read as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp reads an ISO-8601 event timestamp.
//
// A 'Z' (or +00:00) suffix is expected. A timestamp without any zone is taken
// as UTC. An explicit non-UTC offset is rejected so that a local wall-clock
// time never silently shifts a trade into another bucket.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		if _, offset := t.Zone(); offset != 0 {
			return time.Time{}, fmt.Errorf("%w: timestamp %q is not UTC", model.ErrInvalidEvent, s)
		}
		return t.UTC(), nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: malformed timestamp %q", model.ErrInvalidEvent, s)
}

// ParseTrade validates req and converts it into a trade received at now.
// Every failure wraps model.ErrInvalidEvent.
func ParseTrade(req TradeRequest, now time.Time) (model.Trade, error) {
	if err := validate.Struct(&req); err != nil {
		return model.Trade{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if err := utils.ValidateInstrument(req.TokenAddress); err != nil {
		return model.Trade{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}

	side, err := model.ParseSide(req.Type)
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}

	quantity, err := decimal.NewFromString(string(req.TokenAmount))
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: invalid token_amount %q", model.ErrInvalidEvent, req.TokenAmount)
	}
	value, err := decimal.NewFromString(string(req.BNBValue))
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: invalid bnb_value %q", model.ErrInvalidEvent, req.BNBValue)
	}

	occurred, err := ParseTimestamp(req.Timestamp)
	if err != nil {
		return model.Trade{}, err
	}

	return model.Trade{
		Instrument: req.TokenAddress,
		Side:       side,
		Quantity:   quantity,
		Value:      value,
		OccurredAt: occurred,
		ReceivedAt: now.UTC(),
	}, nil
}

// Decode parses a raw JSON payload into a trade received at now.
func Decode(data []byte, now time.Time) (model.Trade, error) {
	var req TradeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return model.Trade{}, fmt.Errorf("%w: malformed payload: %v", model.ErrInvalidEvent, err)
	}
	return ParseTrade(req, now)
}

// NewTradeRequest builds the payload for a trade. Producers and tests use it
// so the wire form stays in one place.
func NewTradeRequest(t model.Trade) TradeRequest {
	return TradeRequest{
		TokenAddress: t.Instrument,
		Type:         strings.ToLower(string(t.Side)),
		TokenAmount:  Amount(t.Quantity.String()),
		BNBValue:     Amount(t.Value.String()),
		Timestamp:    t.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}
