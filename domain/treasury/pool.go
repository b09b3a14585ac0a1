// Package treasury holds the liquidity pools used for currency conversion.
package treasury

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/keelhq/keel"
)

const (
	// AggregateType is the stream prefix of pool streams.
	AggregateType = "Pool"

	// Domain is the partition domain pools are stored in.
	Domain = "treasury"
)

// Error codes returned as keel.DomainError.
const (
	CodeInvalidAmount         = "invalid_amount"
	CodeInsufficientLiquidity = "insufficient_liquidity"
	CodeUnknownConversion     = "unknown_conversion"
)

type LiquidityProvided struct {
	Currency string `json:"currency" msgpack:"currency"`
	Amount   int64  `json:"amount" msgpack:"amount"`
}

// CurrencyConverted records the amounts actually exchanged and the rate used.
type CurrencyConverted struct {
	ConversionID string `json:"conversionId" msgpack:"conversion_id"`
	From         string `json:"from" msgpack:"from"`
	To           string `json:"to" msgpack:"to"`
	AmountIn     int64  `json:"amountIn" msgpack:"amount_in"`
	AmountOut    int64  `json:"amountOut" msgpack:"amount_out"`
	RatePPM      int64  `json:"ratePpm" msgpack:"rate_ppm"`
}

// ConversionReversed undoes a CurrencyConverted with the same amounts.
type ConversionReversed struct {
	ConversionID string `json:"conversionId" msgpack:"conversion_id"`
	From         string `json:"from" msgpack:"from"`
	To           string `json:"to" msgpack:"to"`
	AmountIn     int64  `json:"amountIn" msgpack:"amount_in"`
	AmountOut    int64  `json:"amountOut" msgpack:"amount_out"`
}

// Events returns a zero value of every pool event, for registration.
func Events() []interface{} {
	return []interface{}{LiquidityProvided{}, CurrencyConverted{}, ConversionReversed{}}
}

// Pool holds reserves per currency. Conversions move value in one currency
// in and another out.
type Pool struct {
	keel.AggregateBase

	Reserves map[string]int64

	// open conversions that can still be reversed
	conversions map[string]CurrencyConverted
}

// New returns an empty pool.
func New(id string) *Pool {
	return &Pool{
		AggregateBase: keel.NewAggregateBase(id, AggregateType),
		Reserves:      make(map[string]int64),
		conversions:   make(map[string]CurrencyConverted),
	}
}

// Currencies returns the currencies with reserves, sorted.
func (p *Pool) Currencies() []string {
	out := make([]string, 0, len(p.Reserves))
	for c := range p.Reserves {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ProvideLiquidity adds amount to the currency's reserve.
func (p *Pool) ProvideLiquidity(currency string, amount int64) error {
	if amount <= 0 {
		return keel.NewDomainError(CodeInvalidAmount, "liquidity must be positive, got %d", amount)
	}
	return p.record(LiquidityProvided{Currency: currency, Amount: amount})
}

// Convert exchanges amountIn of from for to at rate and returns the event
// recorded, which carries the amount actually paid out.
func (p *Pool) Convert(conversionID, from, to string, amountIn int64, rate Rate) (CurrencyConverted, error) {
	if amountIn <= 0 {
		return CurrencyConverted{}, keel.NewDomainError(CodeInvalidAmount, "conversion amount must be positive, got %d", amountIn)
	}
	out := rate.Apply(amountIn)
	if out <= 0 {
		return CurrencyConverted{}, keel.NewDomainError(CodeInvalidAmount, "%d %s converts to nothing", amountIn, from)
	}
	if p.Reserves[to] < out {
		return CurrencyConverted{}, keel.NewDomainError(CodeInsufficientLiquidity,
			"pool %s holds %d %s, %d needed", p.AggregateID(), p.Reserves[to], to, out)
	}

	event := CurrencyConverted{
		ConversionID: conversionID,
		From:         from,
		To:           to,
		AmountIn:     amountIn,
		AmountOut:    out,
		RatePPM:      rate.PPM,
	}
	return event, p.record(event)
}

// ReverseConversion undoes a conversion using the amounts it recorded.
func (p *Pool) ReverseConversion(conversionID string) error {
	c, ok := p.conversions[conversionID]
	if !ok {
		return keel.NewDomainError(CodeUnknownConversion, "pool %s has no open conversion %s", p.AggregateID(), conversionID)
	}
	return p.record(ConversionReversed{
		ConversionID: c.ConversionID,
		From:         c.From,
		To:           c.To,
		AmountIn:     c.AmountIn,
		AmountOut:    c.AmountOut,
	})
}

func (p *Pool) record(event interface{}) error {
	if err := p.ApplyEvent(event); err != nil {
		return err
	}
	p.Apply(event)
	return nil
}

// ApplyEvent folds one event into the state.
func (p *Pool) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case LiquidityProvided:
		p.Reserves[e.Currency] += e.Amount
	case CurrencyConverted:
		p.Reserves[e.From] += e.AmountIn
		p.Reserves[e.To] -= e.AmountOut
		p.conversions[e.ConversionID] = e
	case ConversionReversed:
		p.Reserves[e.From] -= e.AmountIn
		p.Reserves[e.To] += e.AmountOut
		delete(p.conversions, e.ConversionID)
	default:
		return keel.NewSchemaDriftError(p.AggregateType(), event)
	}
	return nil
}

type snapshot struct {
	Reserves    map[string]int64             `msgpack:"reserves"`
	Conversions map[string]CurrencyConverted `msgpack:"conversions"`
}

// Snapshot encodes the state with msgpack.
func (p *Pool) Snapshot() ([]byte, error) {
	return msgpack.Marshal(snapshot{Reserves: p.Reserves, Conversions: p.conversions})
}

// RestoreSnapshot replaces the state with a snapshot taken by Snapshot.
func (p *Pool) RestoreSnapshot(state []byte) error {
	var s snapshot
	if err := msgpack.Unmarshal(state, &s); err != nil {
		return err
	}
	p.Reserves = s.Reserves
	p.conversions = s.Conversions
	if p.Reserves == nil {
		p.Reserves = make(map[string]int64)
	}
	if p.conversions == nil {
		p.conversions = make(map[string]CurrencyConverted)
	}
	return nil
}
