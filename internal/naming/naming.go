// Package naming validates human-readable name registrations, transfers,
// and record updates against a weave-wide name registry.
package naming

import (
	"errors"
	"fmt"

	"norn.network/weave/internal/codec"
	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/thread"
)

const (
	// MinNameLen and MaxNameLen bound a registrable name's length.
	MinNameLen = 3
	MaxNameLen = 32
	// MaxRecordValueLen bounds a name record's value length.
	MaxRecordValueLen = 256
	// RegistrationFee is the amount of native token burned on registration.
	RegistrationFee uint64 = 1000
)

// AllowedRecordKeys enumerates the record keys a name owner may set.
var AllowedRecordKeys = map[string]bool{
	"avatar":  true,
	"bio":     true,
	"website": true,
	"loom":    true,
	"twitter": true,
	"discord": true,
}

var (
	ErrNameTooShort       = errors.New("naming: name too short")
	ErrNameTooLong        = errors.New("naming: name too long")
	ErrNameInvalidChars   = errors.New("naming: name contains invalid characters")
	ErrNameLeadingHyphen  = errors.New("naming: name starts with a hyphen")
	ErrNameTrailingHyphen = errors.New("naming: name ends with a hyphen")
	ErrDuplicateName      = errors.New("naming: name already registered")
	ErrOwnerMismatch      = errors.New("naming: owner address does not match owner pubkey")
	ErrInvalidSignature   = errors.New("naming: invalid signature")
	ErrNameNotRegistered  = errors.New("naming: name not registered")
	ErrNotOwner           = errors.New("naming: not the current owner")
	ErrTransferToSelf     = errors.New("naming: cannot transfer name to self")
	ErrInvalidRecordKey   = errors.New("naming: invalid record key")
	ErrRecordValueTooLong = errors.New("naming: record value too long")
)

// ValidateName checks a name's format: 3-32 bytes, lowercase ASCII
// alphanumeric and hyphen only, no leading or trailing hyphen.
func ValidateName(name string) error {
	if len(name) < MinNameLen {
		return ErrNameTooShort
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	if name[0] == '-' {
		return ErrNameLeadingHyphen
	}
	if name[len(name)-1] == '-' {
		return ErrNameTrailingHyphen
	}
	for _, c := range name {
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isHyphen := c == '-'
		if !isLower && !isDigit && !isHyphen {
			return ErrNameInvalidChars
		}
	}
	return nil
}

// Registration is a signed claim on a name.
type Registration struct {
	Name      string
	Owner     thread.Address
	OwnerKey  keys.PublicKey
	Timestamp thread.Timestamp
	FeePaid   *thread.Amount
	Signature keys.Signature
}

// SigningData returns the bytes a registration's owner must sign: name,
// owner address, timestamp, fee paid.
func (r *Registration) SigningData() []byte {
	w := codec.NewWriter()
	w.String(r.Name)
	w.Fixed(r.Owner[:])
	w.U64(r.Timestamp)
	feeBytes := r.FeePaid.Bytes32()
	w.Fixed(feeBytes[:])
	return w.Encoded()
}

// ValidateRegistration checks name format, uniqueness, owner/pubkey
// consistency, and signature.
func ValidateRegistration(r *Registration, existingNames map[string]bool) error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if existingNames[r.Name] {
		return fmt.Errorf("%w: %s", ErrDuplicateName, r.Name)
	}
	if keys.AddressFromPublicKey(r.OwnerKey) != r.Owner {
		return ErrOwnerMismatch
	}
	if !keys.Verify(r.OwnerKey, r.SigningData(), r.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Transfer reassigns an existing name to a new owner.
type Transfer struct {
	Name      string
	From      thread.Address
	FromKey   keys.PublicKey
	To        thread.Address
	Timestamp thread.Timestamp
	Signature keys.Signature
}

// SigningData returns the bytes a transfer's sender must sign: name, from,
// to, timestamp.
func (t *Transfer) SigningData() []byte {
	w := codec.NewWriter()
	w.String(t.Name)
	w.Fixed(t.From[:])
	w.Fixed(t.To[:])
	w.U64(t.Timestamp)
	return w.Encoded()
}

// ValidateTransfer checks the name exists, from is the current owner,
// from/pubkey consistency, no self-transfer, and signature.
func ValidateTransfer(t *Transfer, currentOwners map[string]thread.Address) error {
	owner, ok := currentOwners[t.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNameNotRegistered, t.Name)
	}
	if owner != t.From {
		return fmt.Errorf("%w: %s", ErrNotOwner, t.Name)
	}
	if keys.AddressFromPublicKey(t.FromKey) != t.From {
		return ErrOwnerMismatch
	}
	if t.From == t.To {
		return ErrTransferToSelf
	}
	if !keys.Verify(t.FromKey, t.SigningData(), t.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// RecordUpdate sets a single key/value record on a name (e.g. its
// loom pointer, avatar URL).
type RecordUpdate struct {
	Name      string
	Key       string
	Value     string
	Owner     thread.Address
	OwnerKey  keys.PublicKey
	Timestamp thread.Timestamp
	Signature keys.Signature
}

// SigningData returns the bytes a record update's owner must sign: name,
// key, value, owner, timestamp.
func (u *RecordUpdate) SigningData() []byte {
	w := codec.NewWriter()
	w.String(u.Name)
	w.String(u.Key)
	w.String(u.Value)
	w.Fixed(u.Owner[:])
	w.U64(u.Timestamp)
	return w.Encoded()
}

// ValidateRecordUpdate checks the name exists and is owned by the caller,
// the record key is in the allowed set, the value isn't too long, and the
// signature is valid.
func ValidateRecordUpdate(u *RecordUpdate, currentOwners map[string]thread.Address) error {
	owner, ok := currentOwners[u.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNameNotRegistered, u.Name)
	}
	if owner != u.Owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, u.Name)
	}
	if keys.AddressFromPublicKey(u.OwnerKey) != u.Owner {
		return ErrOwnerMismatch
	}
	if !AllowedRecordKeys[u.Key] {
		return fmt.Errorf("%w: %s", ErrInvalidRecordKey, u.Key)
	}
	if len(u.Value) > MaxRecordValueLen {
		return fmt.Errorf("%w: %d > %d", ErrRecordValueTooLong, len(u.Value), MaxRecordValueLen)
	}
	if !keys.Verify(u.OwnerKey, u.SigningData(), u.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
