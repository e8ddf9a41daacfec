// Package wallet names the keystore surface a CLI or GUI wallet would
// build on: key generation and address derivation (internal/keys),
// constructing and signing a transfer knot or commitment before handing
// it to a node's rpc.NodeSubmit. The keystore itself — on-disk key
// storage, passphrase handling, HD derivation — is an external
// collaborator's concern and isn't implemented here.
package wallet

import (
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/thread"
)

// Signer produces the signature a knot or commitment's submitter attaches
// to it, over whatever SigningData the content type defines.
type Signer interface {
	Sign(msg []byte) keys.Signature
	Address() thread.Address
}
