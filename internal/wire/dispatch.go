package wire

import (
	"fmt"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/consensus"
	"norn.network/weave/internal/mempool"
	"norn.network/weave/internal/staking"
	"norn.network/weave/internal/thread"
)

// Decode inspects e.MessageType and decodes e.Payload into the matching
// concrete content type. An unrecognized MessageType (a newer peer's
// message kind this build predates) returns ErrUnknownKind rather than
// failing the whole frame — the caller is expected to skip it, not treat
// it as a protocol violation.
func Decode(e *Envelope) (interface{}, error) {
	r := codec.NewReader(e.Payload)
	switch e.MessageType {
	case KindBlock:
		return DecodeBlock(e)
	case KindCommitment:
		return thread.DecodeCommitmentUpdate(r)
	case KindRegistration:
		return thread.DecodeRegistration(r)
	case KindNameRegistration:
		return mempool.DecodeNameRegistration(r)
	case KindNameTransfer:
		return mempool.DecodeNameTransfer(r)
	case KindNameRecordUpdate:
		return mempool.DecodeNameRecordUpdate(r)
	case KindFraudProof:
		return mempool.DecodeMempoolFraudProof(r)
	case KindTokenDefinition:
		return mempool.DecodeTokenDefinition(r)
	case KindTokenMint:
		return mempool.DecodeTokenMint(r)
	case KindTokenBurn:
		return mempool.DecodeTokenBurn(r)
	case KindLoomDeploy:
		return mempool.DecodeLoomDeploy(r)
	case KindStakeOperation:
		return stakeOperationFromPayload(r)
	case KindConsensus:
		return consensus.Decode(r)
	case KindRelay:
		return DecodeRelayMessage(r)
	case KindStateRequest:
		return DecodeStateRequest(r)
	case KindStateResponse:
		return DecodeStateResponse(r)
	case KindUpgradeNotice:
		return DecodeUpgradeNotice(r)
	default:
		return nil, fmt.Errorf("wire: %w: kind %d", ErrUnknownKind, e.MessageType)
	}
}

// stakeOperationFromPayload decodes a mempool.StakeOperation carrier and
// then the staking.Operation encoded in its Payload, since callers almost
// always want the signed operation itself rather than the opaque carrier.
func stakeOperationFromPayload(r *codec.Reader) (*staking.Operation, error) {
	carrier, err := mempool.DecodeStakeOperation(r)
	if err != nil {
		return nil, err
	}
	return staking.DecodeOperation(codec.NewReader(carrier.Payload))
}
