package kdf

import (
	"bytes"
	"testing"

	"github.com/veilfs/veilfs/crypto/random"
)

func TestDeriveIsDeterministic(t *testing.T) {
	key, params, err := DeriveNewKey(32, []byte("mypassword"), TestSettings, random.OSRandom())
	if err != nil {
		t.Fatalf("DeriveNewKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d", len(key))
	}
	again, err := DeriveExistingKey(32, []byte("mypassword"), params)
	if err != nil {
		t.Fatalf("DeriveExistingKey: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Fatal("same password and params produced different keys")
	}
}

func TestDifferentPasswordDifferentKey(t *testing.T) {
	key, params, err := DeriveNewKey(32, []byte("mypassword"), TestSettings, random.OSRandom())
	if err != nil {
		t.Fatalf("DeriveNewKey: %v", err)
	}
	other, err := DeriveExistingKey(32, []byte("wrongpassword"), params)
	if err != nil {
		t.Fatalf("DeriveExistingKey: %v", err)
	}
	if bytes.Equal(key, other) {
		t.Fatal("different passwords produced the same key")
	}
}

func TestDifferentSaltDifferentKey(t *testing.T) {
	key1, _, err := DeriveNewKey(32, []byte("mypassword"), TestSettings, random.OSRandom())
	if err != nil {
		t.Fatalf("DeriveNewKey: %v", err)
	}
	key2, _, err := DeriveNewKey(32, []byte("mypassword"), TestSettings, random.OSRandom())
	if err != nil {
		t.Fatalf("DeriveNewKey: %v", err)
	}
	if bytes.Equal(key1, key2) {
		t.Fatal("two derivations reused a salt")
	}
}

func TestParamsRoundtrip(t *testing.T) {
	_, params, err := DeriveNewKey(16, []byte("pw"), TestSettings, random.OSRandom())
	if err != nil {
		t.Fatalf("DeriveNewKey: %v", err)
	}
	raw, err := params.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	parsed, err := DeserializeParams(raw)
	if err != nil {
		t.Fatalf("DeserializeParams: %v", err)
	}
	if !bytes.Equal(parsed.Salt, params.Salt) || parsed.N != params.N || parsed.R != params.R || parsed.P != params.P {
		t.Fatalf("roundtrip mismatch: %+v != %+v", parsed, params)
	}
}

func TestDeserializeParamsRejectsTruncated(t *testing.T) {
	_, params, err := DeriveNewKey(16, []byte("pw"), TestSettings, random.OSRandom())
	if err != nil {
		t.Fatalf("DeriveNewKey: %v", err)
	}
	raw, err := params.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if _, err := DeserializeParams(raw[:len(raw)-1]); err == nil {
		t.Fatal("truncated params accepted")
	}
}

func TestInvalidParamsFail(t *testing.T) {
	bad := Params{Salt: []byte("salt"), N: 3, R: 1, P: 1} // N must be a power of two
	if _, err := DeriveExistingKey(32, []byte("pw"), bad); err == nil {
		t.Fatal("invalid N accepted")
	}
}
