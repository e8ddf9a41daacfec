package naming

import (
	"testing"

	"norn.network/weave/internal/keys"
	"norn.network/weave/internal/thread"
)

func TestValidateNameRules(t *testing.T) {
	valid := []string{"abc", "alice", "my-name", "user123", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	for _, n := range valid {
		if err := ValidateName(n); err != nil {
			t.Errorf("expected %q to be valid, got %v", n, err)
		}
	}

	invalid := []string{"ab", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "-alice", "alice-", "Alice", "al ice", "al_ice"}
	for _, n := range invalid {
		if err := ValidateName(n); err == nil {
			t.Errorf("expected %q to be invalid", n)
		}
	}
}

func TestValidateRegistrationRoundTrip(t *testing.T) {
	kp, _ := keys.Generate()
	owner := keys.AddressFromPublicKey(kp.Public)
	r := &Registration{
		Name:      "alice",
		Owner:     owner,
		OwnerKey:  kp.Public,
		Timestamp: 1000,
		FeePaid:   thread.AmountFromUint64(RegistrationFee),
	}
	r.Signature = kp.Sign(r.SigningData())

	if err := ValidateRegistration(r, map[string]bool{}); err != nil {
		t.Fatalf("expected valid registration, got %v", err)
	}
	if err := ValidateRegistration(r, map[string]bool{"alice": true}); err == nil {
		t.Fatalf("expected duplicate name to be rejected")
	}
}

func TestValidateRegistrationRejectsBadSignature(t *testing.T) {
	kp, _ := keys.Generate()
	other, _ := keys.Generate()
	owner := keys.AddressFromPublicKey(kp.Public)
	r := &Registration{Name: "alice", Owner: owner, OwnerKey: kp.Public, Timestamp: 1000, FeePaid: thread.AmountFromUint64(0)}
	r.Signature = other.Sign(r.SigningData())

	if err := ValidateRegistration(r, map[string]bool{}); err == nil {
		t.Fatalf("expected invalid signature to be rejected")
	}
}

func TestValidateTransfer(t *testing.T) {
	fromKp, _ := keys.Generate()
	from := keys.AddressFromPublicKey(fromKp.Public)
	toKp, _ := keys.Generate()
	to := keys.AddressFromPublicKey(toKp.Public)

	tr := &Transfer{Name: "alice", From: from, FromKey: fromKp.Public, To: to, Timestamp: 1000}
	tr.Signature = fromKp.Sign(tr.SigningData())

	owners := map[string]thread.Address{"alice": from}
	if err := ValidateTransfer(tr, owners); err != nil {
		t.Fatalf("expected valid transfer, got %v", err)
	}

	owners["bob"] = from
	badTransfer := &Transfer{Name: "carol", From: from, FromKey: fromKp.Public, To: to, Timestamp: 1000}
	badTransfer.Signature = fromKp.Sign(badTransfer.SigningData())
	if err := ValidateTransfer(badTransfer, owners); err == nil {
		t.Fatalf("expected unregistered name transfer to be rejected")
	}

	selfTransfer := &Transfer{Name: "alice", From: from, FromKey: fromKp.Public, To: from, Timestamp: 1000}
	selfTransfer.Signature = fromKp.Sign(selfTransfer.SigningData())
	if err := ValidateTransfer(selfTransfer, owners); err == nil {
		t.Fatalf("expected self-transfer to be rejected")
	}
}

func TestValidateRecordUpdate(t *testing.T) {
	kp, _ := keys.Generate()
	owner := keys.AddressFromPublicKey(kp.Public)
	u := &RecordUpdate{Name: "alice", Key: "website", Value: "https://example.com", Owner: owner, OwnerKey: kp.Public, Timestamp: 1000}
	u.Signature = kp.Sign(u.SigningData())

	owners := map[string]thread.Address{"alice": owner}
	if err := ValidateRecordUpdate(u, owners); err != nil {
		t.Fatalf("expected valid record update, got %v", err)
	}

	bad := &RecordUpdate{Name: "alice", Key: "unknown-key", Value: "x", Owner: owner, OwnerKey: kp.Public, Timestamp: 1000}
	bad.Signature = kp.Sign(bad.SigningData())
	if err := ValidateRecordUpdate(bad, owners); err == nil {
		t.Fatalf("expected disallowed record key to be rejected")
	}
}
