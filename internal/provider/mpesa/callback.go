package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrMalformedCallback = errors.New("mpesa: malformed callback")

// Callback is the asynchronous STK push outcome. Success is set only for
// ResultCode 0 with a receipt number present.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	Success         bool
	ReceiptNumber   string
	Amount          decimal.Decimal
	Phone           string
	TransactionDate time.Time
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes the callback body posted by Daraja.
func ParseCallback(payload []byte) (*Callback, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var env callbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	stk := env.Body.StkCallback
	if stk == nil || stk.ResultCode == nil || stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing stkCallback fields", ErrMalformedCallback)
	}

	cb := &Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        *stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
	}

	for _, item := range stk.CallbackMetadata.Item {
		value := metadataString(item.Value)
		switch item.Name {
		case "MpesaReceiptNumber":
			cb.ReceiptNumber = value
		case "Amount":
			amt, err := decimal.NewFromString(value)
			if err != nil {
				return nil, fmt.Errorf("%w: amount %q", ErrMalformedCallback, value)
			}
			cb.Amount = amt
		case "PhoneNumber":
			cb.Phone = value
		case "TransactionDate":
			if ts, err := time.ParseInLocation(timestampLayout, value, eat); err == nil {
				cb.TransactionDate = ts.UTC()
			}
		}
	}

	cb.Success = cb.ResultCode == 0 && cb.ReceiptNumber != ""
	if cb.ResultCode == 0 && !cb.Success {
		return nil, fmt.Errorf("%w: success without receipt number", ErrMalformedCallback)
	}
	return cb, nil
}

func metadataString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
