package mempool

import "norn.network/weave/internal/thread"

// MaxCommitmentsPerBlock mirrors internal/block's bound; kept here too so
// the fee engine's utilization ratio doesn't need to import internal/block
// (which already imports internal/mempool).
const MaxCommitmentsPerBlock = 4096

const (
	feeIncreaseNumerator   = 1125
	feeIncreaseDenominator = 1000
	feeDecreaseNumerator   = 9
	feeDecreaseDenominator = 10
	feeMultiplierScale     = 1000 // fee_multiplier is fixed-point, scaled by 1000
	feeMultiplierCeiling   = 10_000
	feeMultiplierFloor     = 1
)

// FeeState tracks the AIMD dynamic fee curve and accumulated epoch fees
// awaiting distribution to validators.
type FeeState struct {
	BaseFee       *thread.Amount
	FeeMultiplier uint64 // fixed-point, scaled by feeMultiplierScale (1000 == 1.0x)
	EpochFees     *thread.Amount
}

// NewFeeState returns a FeeState at 1.0x multiplier with no accumulated
// epoch fees.
func NewFeeState(baseFee *thread.Amount) *FeeState {
	return &FeeState{
		BaseFee:       baseFee,
		FeeMultiplier: feeMultiplierScale,
		EpochFees:     thread.AmountFromUint64(0),
	}
}

// AdjustForUtilization applies the AIMD rule for one block: utilization
// above 80% multiplies the fee multiplier by 1.125, below 50% by 0.9,
// each saturating at a ceiling/floor.
func (f *FeeState) AdjustForUtilization(commitmentsInBlock int) {
	u := float64(commitmentsInBlock) / float64(MaxCommitmentsPerBlock)
	switch {
	case u > 0.8:
		f.FeeMultiplier = f.FeeMultiplier * feeIncreaseNumerator / feeIncreaseDenominator
		if f.FeeMultiplier > feeMultiplierCeiling {
			f.FeeMultiplier = feeMultiplierCeiling
		}
	case u < 0.5:
		f.FeeMultiplier = f.FeeMultiplier * feeDecreaseNumerator / feeDecreaseDenominator
		if f.FeeMultiplier < feeMultiplierFloor {
			f.FeeMultiplier = feeMultiplierFloor
		}
	}
}

// FeePerCommitment returns base_fee * fee_multiplier / 1000, the fee a
// single commitment costs at the current multiplier.
func (f *FeeState) FeePerCommitment() *thread.Amount {
	scaled := new(thread.Amount).Mul(f.BaseFee, thread.AmountFromUint64(f.FeeMultiplier))
	return new(thread.Amount).Div(scaled, thread.AmountFromUint64(feeMultiplierScale))
}

// AccumulateBlockFees adds commitmentsInBlock * FeePerCommitment to the
// running epoch total, called once per block after the multiplier has
// been adjusted.
func (f *FeeState) AccumulateBlockFees(commitmentsInBlock int) {
	perCommitment := f.FeePerCommitment()
	total := new(thread.Amount).Mul(perCommitment, thread.AmountFromUint64(uint64(commitmentsInBlock)))
	f.EpochFees = new(thread.Amount).Add(f.EpochFees, total)
}

// ValidatorShare is one validator's proportional cut of the distributed
// epoch fees.
type ValidatorShare struct {
	PubKey [32]byte
	Amount *thread.Amount
}

// DistributeEpochFees splits EpochFees across validators proportional to
// stake and resets EpochFees to zero. Callers supply stakes in the same
// order as the returned shares.
func (f *FeeState) DistributeEpochFees(pubkeys [][32]byte, stakes []*thread.Amount) []ValidatorShare {
	totalStake := thread.AmountFromUint64(0)
	for _, s := range stakes {
		totalStake = new(thread.Amount).Add(totalStake, s)
	}
	shares := make([]ValidatorShare, len(pubkeys))
	if !totalStake.IsZero() {
		for i := range pubkeys {
			numerator := new(thread.Amount).Mul(f.EpochFees, stakes[i])
			shares[i] = ValidatorShare{PubKey: pubkeys[i], Amount: new(thread.Amount).Div(numerator, totalStake)}
		}
	} else {
		for i := range pubkeys {
			shares[i] = ValidatorShare{PubKey: pubkeys[i], Amount: thread.AmountFromUint64(0)}
		}
	}
	f.EpochFees = thread.AmountFromUint64(0)
	return shares
}
