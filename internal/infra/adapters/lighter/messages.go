package lighter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

type orderPayload struct {
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	Type          string           `json:"type"`
	Price         *decimal.Decimal `json:"price"`
	Timestamp     int64            `json:"timestamp"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
}

type balancePayload struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

type positionPayload struct {
	Symbol     string          `json:"symbol"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
}

// apiError covers the error shapes the venue returns.
type apiError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
	Error   string `json:"error"`
}

func (e apiError) rawCode() string {
	if e.Code == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(e.Code))
}

func (e apiError) text() string {
	for _, candidate := range []string{e.Message, e.Msg, e.Error} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// orderAck extracts the identifier and status from an order acknowledgement.
func orderAck(raw map[string]any) (id, status string) {
	for _, key := range []string{"orderId", "order_id", "id"} {
		if id = stringField(raw, key); id != "" {
			break
		}
	}
	status = stringField(raw, "status")
	return id, status
}

func stringField(raw map[string]any, key string) string {
	value, ok := raw[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func decodeObject(body []byte) (map[string]any, error) {
	raw := make(map[string]any)
	if len(strings.TrimSpace(string(body))) == 0 {
		return raw, nil
	}
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
