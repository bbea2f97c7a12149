package exchange

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func testAction(t *testing.T) OrderAction {
	t.Helper()
	order, err := LimitOrderWire(0, false, decimal.RequireFromString("0.0025"), decimal.NewFromInt(59700), false, TifIoc, "")
	if err != nil {
		t.Fatalf("order wire: %v", err)
	}
	return OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
}

func TestSignerRecoversAddress(t *testing.T) {
	signer, err := NewSigner("0x"+testKey, true)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	action := testAction(t)
	nonce := uint64(1700000000000)
	sig, err := signer.SignOrderAction(action, nonce, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.V != 27 && sig.V != 28 {
		t.Fatalf("expected v in {27,28}, got %d", sig.V)
	}
	payload, _ := EncodeOrderAction(action)
	digest, err := agentDigest(connectionID(payload, nonce, nil), "a")
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	raw := append(hexutil.MustDecode(sig.R), hexutil.MustDecode(sig.S)...)
	raw = append(raw, byte(sig.V-27))
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != signer.Address() {
		t.Fatalf("expected %s, got %s", signer.Address().Hex(), got.Hex())
	}
}

func TestSignerNetworkAndVaultChangeSignature(t *testing.T) {
	mainnet, _ := NewSigner(testKey, true)
	testnet, _ := NewSigner(testKey, false)
	action := testAction(t)
	a, _ := mainnet.SignOrderAction(action, 1, nil)
	b, _ := testnet.SignOrderAction(action, 1, nil)
	if a.R == b.R {
		t.Fatalf("expected different signatures across networks")
	}
	vault := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	c, _ := mainnet.SignOrderAction(action, 1, &vault)
	if a.R == c.R {
		t.Fatalf("expected vault to change the signature")
	}
}

func TestConnectionIDLayout(t *testing.T) {
	payload := []byte{0x01, 0x02}
	vault := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	withVault := append([]byte{0x01, 0x02, 0, 0, 0, 0, 0, 0, 0x01, 0x00, 0x01}, vault.Bytes()...)
	if got, want := connectionID(payload, 256, &vault), crypto.Keccak256(withVault); !bytes.Equal(got, want) {
		t.Fatalf("unexpected vault connection id")
	}
	without := []byte{0x01, 0x02, 0, 0, 0, 0, 0, 0, 0x01, 0x00, 0x00}
	if got, want := connectionID(payload, 256, nil), crypto.Keccak256(without); !bytes.Equal(got, want) {
		t.Fatalf("unexpected connection id")
	}
}

func TestNewSignerRejectsEmptyKey(t *testing.T) {
	if _, err := NewSigner("  0x ", true); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := NewSigner("zz", true); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
