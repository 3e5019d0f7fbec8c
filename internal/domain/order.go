package domain

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Order enumerations (wire values)
// ---------------------------------------------------------------------------

// OrderType is the pricing behaviour of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderDirection is which way the order flows.
type OrderDirection string

const (
	DirectionBuy         OrderDirection = "BUY"
	DirectionSell        OrderDirection = "SELL"
	DirectionBuyToOpen   OrderDirection = "BUY_TO_OPEN"
	DirectionSellToOpen  OrderDirection = "SELL_TO_OPEN"
	DirectionBuyToClose  OrderDirection = "BUY_TO_CLOSE"
	DirectionSellToClose OrderDirection = "SELL_TO_CLOSE"
)

// OrderDuration is how long an order stays in effect.
type OrderDuration string

const (
	DurationDay            OrderDuration = "DAY"
	DurationGoodTillCancel OrderDuration = "GOOD_TILL_CANCEL"
	DurationFillOrKill     OrderDuration = "FILL_OR_KILL"
)

// OrderSession is when an order takes effect.
type OrderSession string

const (
	SessionNormal   OrderSession = "NORMAL"
	SessionAM       OrderSession = "AM"
	SessionPM       OrderSession = "PM"
	SessionSeamless OrderSession = "SEAMLESS"
)

// AssetType is the instrument class of an order leg.
type AssetType string

const (
	AssetEquity AssetType = "EQUITY"
	AssetOption AssetType = "OPTION"
)

// OrderStatus is the broker-reported status of an order.
type OrderStatus string

const (
	StatusQueued   OrderStatus = "QUEUED"
	StatusWorking  OrderStatus = "WORKING"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
)

// ActivityStatus maps an ACCT_ACTIVITY message type to the order status it
// implies. Unrecognised message types return false.
func ActivityStatus(messageType string) (OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(messageType)) {
	case "ORDERENTRYREQUEST":
		return StatusQueued, true
	case "ORDERFILL":
		return StatusFilled, true
	case "UROUT":
		return StatusCanceled, true
	case "ORDERREJECTION":
		return StatusRejected, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Order
// ---------------------------------------------------------------------------

// Order is a single-leg order. Construct with NewOrder so invalid
// combinations are rejected before they reach the wire.
type Order struct {
	ID         string
	Symbol     string
	Asset      AssetType
	Type       OrderType
	Direction  OrderDirection
	Duration   OrderDuration
	Session    OrderSession
	Quantity   int64
	LimitPrice float64
	StopPrice  float64
	Status     OrderStatus
}

// NewOrder validates and builds an order. Limit orders require a positive
// limit price, stop orders a positive stop price.
func NewOrder(symbol string, asset AssetType, typ OrderType, dir OrderDirection, dur OrderDuration, sess OrderSession, qty int64, limit, stop float64) (*Order, error) {
	if symbol == "" {
		return nil, fmt.Errorf("order: empty symbol")
	}
	if qty <= 0 {
		return nil, fmt.Errorf("order: quantity must be positive, got %d", qty)
	}
	switch asset {
	case AssetEquity, AssetOption:
	default:
		return nil, fmt.Errorf("order: invalid asset type %q", asset)
	}
	switch dir {
	case DirectionBuy, DirectionSell, DirectionBuyToOpen, DirectionSellToOpen,
		DirectionBuyToClose, DirectionSellToClose:
	default:
		return nil, fmt.Errorf("order: invalid direction %q", dir)
	}
	switch dur {
	case DurationDay, DurationGoodTillCancel, DurationFillOrKill:
	default:
		return nil, fmt.Errorf("order: invalid duration %q", dur)
	}
	switch sess {
	case SessionNormal, SessionAM, SessionPM, SessionSeamless:
	default:
		return nil, fmt.Errorf("order: invalid session %q", sess)
	}
	switch typ {
	case OrderTypeMarket:
		if limit != 0 || stop != 0 {
			return nil, fmt.Errorf("order: market order must not carry prices")
		}
	case OrderTypeLimit:
		if limit <= 0 {
			return nil, fmt.Errorf("order: limit order requires a positive limit price")
		}
	case OrderTypeStop:
		if stop <= 0 {
			return nil, fmt.Errorf("order: stop order requires a positive stop price")
		}
	case OrderTypeStopLimit:
		if limit <= 0 || stop <= 0 {
			return nil, fmt.Errorf("order: stop-limit order requires positive limit and stop prices")
		}
	default:
		return nil, fmt.Errorf("order: invalid order type %q", typ)
	}

	return &Order{
		Symbol:     strings.ToUpper(symbol),
		Asset:      asset,
		Type:       typ,
		Direction:  dir,
		Duration:   dur,
		Session:    sess,
		Quantity:   qty,
		LimitPrice: limit,
		StopPrice:  stop,
	}, nil
}

// WireSpec serializes the order into the broker's order-POST shape. The
// switch is exhaustive over the types NewOrder accepts.
func (o *Order) WireSpec() map[string]any {
	spec := map[string]any{
		"orderType":         string(o.Type),
		"session":           string(o.Session),
		"duration":          string(o.Duration),
		"orderStrategyType": "SINGLE",
		"orderLegCollection": []map[string]any{
			{
				"instruction": string(o.Direction),
				"quantity":    o.Quantity,
				"instrument": map[string]any{
					"symbol":    o.Symbol,
					"assetType": string(o.Asset),
				},
			},
		},
	}
	switch o.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		spec["price"] = o.LimitPrice
	case OrderTypeStop:
		spec["stopPrice"] = o.StopPrice
	case OrderTypeStopLimit:
		spec["price"] = o.LimitPrice
		spec["stopPrice"] = o.StopPrice
	}
	return spec
}
