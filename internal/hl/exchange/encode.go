package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

const groupingNone = "na"

// EncodeOrderAction returns the msgpack bytes that are hashed for signing.
// Integers use the compact form so the digest matches the reference SDKs.
func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if err := checkAction(&action); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkAction(action *OrderAction) error {
	switch {
	case action.Type == "":
		return errors.New("action type is required")
	case len(action.Orders) == 0:
		return errors.New("action orders are required")
	}
	for _, order := range action.Orders {
		if order.OrderType.Limit == nil {
			return errors.New("limit order type required")
		}
	}
	if action.Grouping == "" {
		action.Grouping = groupingNone
	}
	return nil
}
