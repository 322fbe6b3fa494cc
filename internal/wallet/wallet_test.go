package wallet

import (
	"math/big"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestToRawUnitsScalesByDecimals(t *testing.T) {
	raw := toRawUnits(dec("1.5"), 6)
	if raw.Cmp(big.NewInt(1500000)) != 0 {
		t.Fatalf("expected 1500000, got %s", raw)
	}
}

func TestFromRawUnitsReversesToRawUnits(t *testing.T) {
	raw := big.NewInt(2500000)
	amount := fromRawUnits(raw, 6)
	if !amount.Equal(dec("2.5")) {
		t.Fatalf("expected 2.5, got %s", amount)
	}
}

func TestToRawUnitsRoundTripsThroughFromRawUnits(t *testing.T) {
	amounts := []string{"0.01", "100", "12345.67", "0"}
	for _, a := range amounts {
		original := dec(a)
		raw := toRawUnits(original, 6)
		back := fromRawUnits(raw, 6)
		if !back.Equal(original) {
			t.Fatalf("round trip mismatch for %s: got %s", a, back)
		}
	}
}

func TestGenerateProducesDistinctAddressesAndHexKeys(t *testing.T) {
	key1, addr1, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	key2, addr2, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if key1 == key2 {
		t.Fatalf("expected distinct private keys across calls")
	}
	if addr1 == addr2 {
		t.Fatalf("expected distinct addresses across calls")
	}
	if strings.HasPrefix(key1, "0x") {
		t.Fatalf("expected private key hex without 0x prefix, got %s", key1)
	}
	if !strings.HasPrefix(addr1, "0x") {
		t.Fatalf("expected checksummed address with 0x prefix, got %s", addr1)
	}
}

func TestFromPrivateKeyAcceptsWithAndWithout0xPrefix(t *testing.T) {
	keyHex, wantAddr, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	w1, err := FromPrivateKey(nil, big.NewInt(8453), "", keyHex)
	if err != nil {
		t.Fatal(err)
	}
	w2, err := FromPrivateKey(nil, big.NewInt(8453), "", "0x"+keyHex)
	if err != nil {
		t.Fatal(err)
	}
	if w1.Address() != wantAddr || w2.Address() != wantAddr {
		t.Fatalf("expected address %s from both forms, got %s / %s", wantAddr, w1.Address(), w2.Address())
	}
}

func TestFromEnvFailsWhenUnset(t *testing.T) {
	t.Setenv("APEX_PRIVATE_KEY", "")
	if _, err := FromEnv(nil, big.NewInt(8453), ""); err == nil {
		t.Fatalf("expected error when APEX_PRIVATE_KEY is unset")
	}
}

func TestFromEnvUsesEnvironmentKey(t *testing.T) {
	keyHex, wantAddr, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("APEX_PRIVATE_KEY", keyHex)
	w, err := FromEnv(nil, big.NewInt(8453), "")
	if err != nil {
		t.Fatal(err)
	}
	if w.Address() != wantAddr {
		t.Fatalf("expected address %s, got %s", wantAddr, w.Address())
	}
}
