package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer produces L1 action signatures: an EIP-712 "Agent" message whose
// connectionId commits to the msgpack action, nonce and vault.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	source  string
}

func NewSigner(hexKey string, mainnet bool) (*Signer, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if raw == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	source := "b"
	if mainnet {
		source = "a"
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), source: source}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) SignOrderAction(action OrderAction, nonce uint64, vault *common.Address) (Signature, error) {
	payload, err := EncodeOrderAction(action)
	if err != nil {
		return Signature{}, err
	}
	digest, err := agentDigest(connectionID(payload, nonce, vault), s.source)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Signature{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return Signature{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}

// connectionID is keccak(action || nonce || vault flag [|| vault]).
func connectionID(payload []byte, nonce uint64, vault *common.Address) []byte {
	buf := make([]byte, 0, len(payload)+8+1+common.AddressLength)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	if vault == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = append(buf, vault.Bytes()...)
	}
	return crypto.Keccak256(buf)
}

var agentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Agent": {
		{Name: "source", Type: "string"},
		{Name: "connectionId", Type: "bytes32"},
	},
}

func agentDigest(connID []byte, source string) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(apitypes.TypedData{
		Types:       agentTypes,
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: common.Address{}.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(connID),
		},
	})
	return digest, err
}
