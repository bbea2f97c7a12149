package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures so callers can branch with errors.Is.
type Kind uint8

const (
	Unknown Kind = iota
	InvalidParameter
	InvalidPrice
	InvalidQuantity
	InsufficientFundingSignal
	VenueRejected
	PersistenceFailure
	SignalUnavailable
)

var kindNames = map[Kind]string{
	Unknown:                   "unknown",
	InvalidParameter:          "invalid_parameter",
	InvalidPrice:              "invalid_price",
	InvalidQuantity:           "invalid_quantity",
	InsufficientFundingSignal: "insufficient_funding_signal",
	VenueRejected:             "venue_rejected",
	PersistenceFailure:        "persistence_failure",
	SignalUnavailable:         "signal_unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[Unknown]
}

func (k Kind) Error() string {
	return k.String()
}

type Error struct {
	Kind       Kind
	Op         string
	Instrument string
	OrderID    string
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Instrument != "" {
		b.WriteString(" [")
		b.WriteString(e.Instrument)
		b.WriteString("]")
	}
	if e.OrderID != "" {
		b.WriteString(" order=")
		b.WriteString(e.OrderID)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) WithInstrument(instrument string) *Error {
	e.Instrument = instrument
	return e
}

func (e *Error) WithOrderID(orderID string) *Error {
	e.OrderID = orderID
	return e
}

// KindOf returns the first Kind found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}
