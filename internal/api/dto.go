package api

import (
	"fmt"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	json "github.com/goccy/go-json"
)

type errorResponse struct {
	Error string `json:"error"`
}

type ingestResponse struct {
	Trade model.TradeDTO `json:"trade"`
	Bar   model.BarDTO   `json:"bar"`
}

type registerRequest struct {
	InstrumentID string `json:"instrument_id" validate:"required,max=128"`
	Name         string `json:"name" validate:"required,max=64"`
	Symbol       string `json:"symbol" validate:"required,max=16"`
}

// instrumentDTO is a registry entry with its running totals.
type instrumentDTO struct {
	InstrumentID string      `json:"instrument_id"`
	Name         string      `json:"name"`
	Symbol       string      `json:"symbol"`
	CreatedAt    string      `json:"created_at"`
	RaisedFunds  json.Number `json:"raised_funds"`
	Volume       json.Number `json:"volume"`
}

func newInstrumentDTO(in model.Instrument) instrumentDTO {
	return instrumentDTO{
		InstrumentID: in.ID,
		Name:         in.Name,
		Symbol:       in.Symbol,
		CreatedAt:    in.CreatedAt.UTC().Format(time.RFC3339),
		RaisedFunds:  json.Number(in.RaisedFunds.String()),
		Volume:       json.Number(in.Volume.String()),
	}
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidEvent, msg)
}
