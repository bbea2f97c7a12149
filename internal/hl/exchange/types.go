package exchange

// Tif is the time-in-force of a limit order.
type Tif string

const (
	TifAlo Tif = "Alo"
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

// Field order matters: the msgpack encoding of an action is what gets
// signed, so the structs below mirror the key order the venue hashes.

type LimitOrderType struct {
	Tif Tif `json:"tif" msgpack:"tif"`
}

type OrderTypeWire struct {
	Limit *LimitOrderType `json:"limit,omitempty" msgpack:"limit,omitempty"`
}

type OrderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	Price      string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	OrderType  OrderTypeWire `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

type OrderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []OrderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type signedAction struct {
	Action       OrderAction `json:"action"`
	Nonce        uint64      `json:"nonce"`
	Signature    Signature   `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

// OrderStatus is the venue outcome for one order of a batch, in request order.
type OrderStatus struct {
	RestingID string
	FilledID  string
	TotalSz   float64
	AvgPx     float64
	Error     string
}
