package exchange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ActionError is a whole-action rejection, e.g. a bad signature or nonce.
type ActionError struct {
	Message string
}

func (e *ActionError) Error() string {
	return "exchange rejected action: " + e.Message
}

// ParseOrderStatuses decodes the per-order statuses of an order action.
func ParseOrderStatuses(resp map[string]any) ([]OrderStatus, error) {
	if resp == nil {
		return nil, errors.New("empty exchange response")
	}
	if status, _ := resp["status"].(string); status != "ok" {
		return nil, &ActionError{Message: fmt.Sprint(resp["response"])}
	}
	body, ok := resp["response"].(map[string]any)
	if !ok {
		return nil, errors.New("exchange response missing body")
	}
	data, ok := body["data"].(map[string]any)
	if !ok {
		return nil, errors.New("exchange response missing data")
	}
	raw, ok := data["statuses"].([]any)
	if !ok {
		return nil, errors.New("exchange response missing statuses")
	}
	out := make([]OrderStatus, 0, len(raw))
	for _, item := range raw {
		out = append(out, parseOrderStatus(item))
	}
	return out, nil
}

func parseOrderStatus(item any) OrderStatus {
	switch val := item.(type) {
	case string:
		// Bare strings such as "waitingForFill" carry no order id.
		return OrderStatus{Error: unexpectedStatus(val)}
	case map[string]any:
		if msg, ok := val["error"].(string); ok {
			return OrderStatus{Error: strings.TrimSpace(msg)}
		}
		if filled, ok := val["filled"].(map[string]any); ok {
			return OrderStatus{
				FilledID: idFromAny(filled["oid"]),
				TotalSz:  floatFromAny(filled["totalSz"]),
				AvgPx:    floatFromAny(filled["avgPx"]),
			}
		}
		if resting, ok := val["resting"].(map[string]any); ok {
			return OrderStatus{RestingID: idFromAny(resting["oid"])}
		}
	}
	return OrderStatus{Error: unexpectedStatus(fmt.Sprint(item))}
}

func unexpectedStatus(raw string) string {
	return "unexpected order status: " + raw
}

func idFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

func floatFromAny(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f
	default:
		return 0
	}
}
