package gateway

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"bgw-sdk-go/client/rest"
)

// maxOrderQuestions bounds the reply loop during order submission; more
// questions than this means the flow is stuck.
const maxOrderQuestions = 20

// Common gateway warning messages returned during order submission. Use
// them as Answers keys to pre-approve the corresponding warnings.
const (
	QuestionPricePercentageConstraint = "price exceeds the Percentage constraint of 3%"
	QuestionOrderValueLimit           = "exceeds the Total Value Limit of"
	QuestionMissingMarketData         = "You are submitting an order without market data. We strongly recommend against this as it may result in erroneous and unexpected trades."
	QuestionStopOrderRisks            = "You are about to submit a stop order. Please be aware of the various stop order types available and the risks associated with each one."
)

// Answers maps order-warning fragments to the caller's decision. A warning
// matching a key with a true value is confirmed; false aborts submission.
type Answers map[string]bool

// OrderRequest describes one order. Quantity and prices are held as
// decimals; the wire payload carries them as JSON numbers converted through
// float64, so values a float64 cannot represent exactly are rounded.
type OrderRequest struct {
	Conid     string
	Side      string // BUY or SELL
	Quantity  decimal.Decimal
	OrderType string // LMT, MKT, STP, ...
	AcctID    string

	// Optional.
	Price           *decimal.Decimal
	AuxPrice        *decimal.Decimal
	Tif             string // defaults to GTC
	COID            string
	ParentID        string
	SecType         string
	ListingExchange string
	OutsideRTH      bool
	Ticker          string
	TrailingAmt     *decimal.Decimal
	TrailingType    string
	CashQty         *decimal.Decimal
	Referrer        string
	IsSingleGroup   bool
	UseAdaptive     bool
}

// toPayload converts the order request to the wire mapping, leaving out
// unset optionals.
func (o OrderRequest) toPayload() map[string]interface{} {
	tif := o.Tif
	if tif == "" {
		tif = "GTC"
	}

	payload := map[string]interface{}{
		"conid":     o.Conid,
		"side":      o.Side,
		"quantity":  o.Quantity.InexactFloat64(),
		"orderType": o.OrderType,
		"acctId":    o.AcctID,
		"tif":       tif,
	}

	setDecimal := func(key string, d *decimal.Decimal) {
		if d != nil {
			payload[key] = d.InexactFloat64()
		}
	}
	setDecimal("price", o.Price)
	setDecimal("auxPrice", o.AuxPrice)
	setDecimal("trailingAmt", o.TrailingAmt)
	setDecimal("cashQty", o.CashQty)

	setString := func(key, v string) {
		if v != "" {
			payload[key] = v
		}
	}
	setString("cOID", o.COID)
	setString("parentId", o.ParentID)
	setString("secType", o.SecType)
	setString("listingExchange", o.ListingExchange)
	setString("ticker", o.Ticker)
	setString("trailingType", o.TrailingType)
	setString("referrer", o.Referrer)

	if o.OutsideRTH {
		payload["outsideRTH"] = true
	}
	if o.IsSingleGroup {
		payload["isSingleGroup"] = true
	}
	if o.UseAdaptive {
		payload["useAdaptive"] = true
	}

	return payload
}

// LiveOrders returns the orders for the current day. force clears the
// server-side cache first; filters narrow by status.
func (c *Client) LiveOrders(filters []string, force bool) (rest.Result, error) {
	params := map[string]interface{}{}
	if len(filters) > 0 {
		params["filters"] = strings.Join(filters, ",")
	}
	if force {
		params["force"] = true
	}
	return c.Get("iserver/account/orders", rest.WithParams(params))
}

// OrderStatus returns the status of a single order.
func (c *Client) OrderStatus(orderID string) (rest.Result, error) {
	return c.Get(fmt.Sprintf("iserver/account/order/status/%s", orderID))
}

// Trades returns the trades for the current and previous six days.
func (c *Client) Trades() (rest.Result, error) {
	return c.Get("iserver/account/trades")
}

// Reply answers one order-submission question.
func (c *Client) Reply(replyID string, confirmed bool) (rest.Result, error) {
	return c.Post(fmt.Sprintf("iserver/reply/%s", replyID), rest.WithJSON(map[string]interface{}{
		"confirmed": confirmed,
	}))
}

// PlaceOrder submits orders and walks the question-reply flow using the
// given answers. Order submission is globally serialized per client, as
// placing another order before the previous one is fully acknowledged
// confuses the reply mechanism.
func (c *Client) PlaceOrder(orderRequests []OrderRequest, answers Answers, accountID string) (rest.Result, error) {
	c.orderMtx.Lock()
	defer c.orderMtx.Unlock()

	parsed := make([]interface{}, 0, len(orderRequests))
	for _, o := range orderRequests {
		parsed = append(parsed, o.toPayload())
	}

	result, err := c.Post(
		fmt.Sprintf("iserver/account/%s/orders", c.orDefaultAccount(accountID)),
		rest.WithJSON(map[string]interface{}{"orders": parsed}),
	)
	if err != nil {
		return result, errors.Trace(err)
	}

	return c.handleQuestions(result, answers)
}

// ModifyOrder modifies an existing order, walking the same question-reply
// flow as PlaceOrder and holding the same submission lock.
func (c *Client) ModifyOrder(orderID string, orderRequest OrderRequest, answers Answers, accountID string) (rest.Result, error) {
	c.orderMtx.Lock()
	defer c.orderMtx.Unlock()

	result, err := c.Post(
		fmt.Sprintf("iserver/account/%s/order/%s", c.orDefaultAccount(accountID), orderID),
		rest.WithJSON(orderRequest.toPayload()),
	)
	if err != nil {
		return result, errors.Trace(err)
	}

	return c.handleQuestions(result, answers)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(orderID, accountID string) (rest.Result, error) {
	return c.Delete(fmt.Sprintf("iserver/account/%s/order/%s", c.orDefaultAccount(accountID), orderID))
}

// WhatIfOrder previews the margin and commission impact of an order
// without submitting it.
func (c *Client) WhatIfOrder(orderRequest OrderRequest, accountID string) (rest.Result, error) {
	return c.Post(
		fmt.Sprintf("iserver/account/%s/orders/whatif", c.orDefaultAccount(accountID)),
		rest.WithJSON(map[string]interface{}{"orders": []interface{}{orderRequest.toPayload()}}),
	)
}

// SuppressMessages suppresses the given order warning messages for the
// session.
func (c *Client) SuppressMessages(messageIDs []string) (rest.Result, error) {
	return c.Post("iserver/questions/suppress", rest.WithJSON(map[string]interface{}{
		"messageIds": messageIDs,
	}))
}

// ResetSuppressedMessages restores all suppressed order warnings.
func (c *Client) ResetSuppressedMessages() (rest.Result, error) {
	return c.Post("iserver/questions/suppress/reset")
}

func findAnswer(question string, answers Answers) (bool, error) {
	for fragment, answer := range answers {
		if strings.Contains(question, fragment) {
			return answer, nil
		}
	}
	return false, errors.Errorf("no answer found for question: %q", question)
}

// handleQuestions iteratively answers the interactive questions the
// gateway may raise during order submission. Each response carries at most
// one question; absence of a question ends the flow. A negative answer or
// an overlong exchange aborts with an error.
func (c *Client) handleQuestions(original rest.Result, answers Answers) (rest.Result, error) {
	result := original

	var questions []string
	for attempt := 0; attempt < maxOrderQuestions; attempt++ {
		if errMap, ok := result.Data.(map[string]interface{}); ok {
			if errVal, present := errMap["error"]; present {
				return result, rest.NewExternalBrokerError(0, "while handling questions an error was returned: %v", errVal)
			}
		}

		data, ok := result.Data.([]interface{})
		if !ok {
			return result, rest.NewExternalBrokerError(0, "while handling questions unknown data was returned: %v", result.Data)
		}
		if len(data) == 0 {
			return result, rest.NewExternalBrokerError(0, "while handling questions an empty response was returned")
		}

		first, ok := data[0].(map[string]interface{})
		if !ok {
			return result, rest.NewExternalBrokerError(0, "while handling questions unknown data was returned: %v", result.Data)
		}

		messages, hasQuestion := first["message"].([]interface{})
		if !hasQuestion {
			if len(data) == 1 {
				return original.WithData(first), nil
			}
			return original.WithData(data), nil
		}

		if len(data) != 1 {
			c.log.Warnf("while handling questions multiple orders were returned: %v", data)
		}
		if len(messages) != 1 {
			c.log.Warnf("while handling questions multiple messages were returned: %v", messages)
		}
		if len(messages) == 0 {
			return result, rest.NewExternalBrokerError(0, "while handling questions an empty message list was returned")
		}

		question := strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", messages[0])), "\n", "")
		answer, err := findAnswer(question, answers)
		if err != nil {
			return result, errors.Trace(err)
		}
		questions = append(questions, question)

		if !answer {
			return result, errors.Errorf(
				"a question was not given a positive reply, aborting the order: %q", question)
		}

		replyID, _ := first["id"].(string)
		result, err = c.Reply(replyID, true)
		if err != nil {
			return result, errors.Trace(err)
		}
	}

	return result, errors.Errorf("too many questions during order submission: %v", questions)
}
