// Package stablecoin tracks collateralized stablecoin positions.
package stablecoin

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/keelhq/keel"
)

const (
	// AggregateType is the stream prefix of position streams.
	AggregateType = "Position"

	// Domain is the partition domain positions are stored in.
	Domain = "stablecoin"

	// DefaultCollateralRatioBps requires 150% collateral.
	DefaultCollateralRatioBps = 15_000
)

// Error codes returned as keel.DomainError.
const (
	CodeInvalidAmount       = "invalid_amount"
	CodeUndercollateralized = "undercollateralized"
	CodeInsufficientSupply  = "insufficient_supply"
)

type StablecoinMinted struct {
	Amount     int64  `json:"amount" msgpack:"amount"`
	Collateral int64  `json:"collateral" msgpack:"collateral"`
	Reference  string `json:"reference,omitempty" msgpack:"reference"`
}

type StablecoinBurned struct {
	Amount             int64  `json:"amount" msgpack:"amount"`
	CollateralReleased int64  `json:"collateralReleased" msgpack:"collateral_released"`
	Reference          string `json:"reference,omitempty" msgpack:"reference"`
}

// Events returns a zero value of every position event, for registration.
func Events() []interface{} {
	return []interface{}{StablecoinMinted{}, StablecoinBurned{}}
}

// Position is the stablecoin supply a holder minted and the collateral
// locked behind it.
type Position struct {
	keel.AggregateBase

	Supply     int64
	Collateral int64

	ratioBps int64
}

// New returns an empty position with the default collateral ratio.
func New(id string) *Position {
	return NewWithRatio(id, DefaultCollateralRatioBps)
}

// NewWithRatio returns an empty position requiring ratioBps basis points of
// collateral per unit minted.
func NewWithRatio(id string, ratioBps int64) *Position {
	return &Position{AggregateBase: keel.NewAggregateBase(id, AggregateType), ratioBps: ratioBps}
}

// RequiredCollateral returns the collateral needed to mint amount.
func (p *Position) RequiredCollateral(amount int64) int64 {
	return (amount*p.ratioBps + 9_999) / 10_000
}

// Mint issues amount against collateral.
func (p *Position) Mint(amount, collateral int64, reference string) error {
	if amount <= 0 || collateral < 0 {
		return keel.NewDomainError(CodeInvalidAmount, "mint of %d against %d collateral", amount, collateral)
	}
	if need := p.RequiredCollateral(amount); collateral < need {
		return keel.NewDomainError(CodeUndercollateralized, "minting %d needs %d collateral, %d offered", amount, need, collateral)
	}
	return p.record(StablecoinMinted{Amount: amount, Collateral: collateral, Reference: reference})
}

// Burn retires amount and releases the matching share of collateral.
func (p *Position) Burn(amount int64, reference string) error {
	if amount <= 0 {
		return keel.NewDomainError(CodeInvalidAmount, "burn amount must be positive, got %d", amount)
	}
	if amount > p.Supply {
		return keel.NewDomainError(CodeInsufficientSupply, "position %s holds %d, %d requested", p.AggregateID(), p.Supply, amount)
	}
	released := p.Collateral * amount / p.Supply
	return p.record(StablecoinBurned{Amount: amount, CollateralReleased: released, Reference: reference})
}

func (p *Position) record(event interface{}) error {
	if err := p.ApplyEvent(event); err != nil {
		return err
	}
	p.Apply(event)
	return nil
}

// ApplyEvent folds one event into the state.
func (p *Position) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case StablecoinMinted:
		p.Supply += e.Amount
		p.Collateral += e.Collateral
	case StablecoinBurned:
		p.Supply -= e.Amount
		p.Collateral -= e.CollateralReleased
	default:
		return keel.NewSchemaDriftError(p.AggregateType(), event)
	}
	return nil
}

type snapshot struct {
	Supply     int64 `msgpack:"supply"`
	Collateral int64 `msgpack:"collateral"`
}

// Snapshot encodes the state with msgpack.
func (p *Position) Snapshot() ([]byte, error) {
	return msgpack.Marshal(snapshot{Supply: p.Supply, Collateral: p.Collateral})
}

// RestoreSnapshot replaces the state with a snapshot taken by Snapshot.
func (p *Position) RestoreSnapshot(state []byte) error {
	var s snapshot
	if err := msgpack.Unmarshal(state, &s); err != nil {
		return err
	}
	p.Supply, p.Collateral = s.Supply, s.Collateral
	return nil
}
