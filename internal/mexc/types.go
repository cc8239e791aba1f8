package mexc

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is an order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ServerTime is the response of GET /api/v3/time.
type ServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// TickerPrice is one element of GET /api/v3/ticker/price.
type TickerPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
}

// Ticker24hr is one element of the full 24h ticker snapshot.
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"priceChange,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	OpenTime           int64   `json:"openTime"`
	CloseTime          int64   `json:"closeTime"`
	Count              int64   `json:"count"`
}

// SymbolFilter is one entry of a symbol's filter list in exchangeInfo.
type SymbolFilter struct {
	FilterType  string  `json:"filterType"`
	MinQty      float64 `json:"minQty,string"`
	MaxQty      float64 `json:"maxQty,string"`
	StepSize    float64 `json:"stepSize,string"`
	MinNotional float64 `json:"minNotional,string"`
	TickSize    float64 `json:"tickSize,string"`
}

// SymbolInfo describes one tradable symbol in exchangeInfo.
type SymbolInfo struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []SymbolFilter `json:"filters"`
}

// ExchangeInfo is the response of GET /api/v3/exchangeInfo.
type ExchangeInfo struct {
	Timezone   string       `json:"timezone"`
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// Balance is one asset balance in the account response.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free,string"`
	Locked float64 `json:"locked,string"`
}

// AccountInfo is the response of the signed GET /api/v3/account.
type AccountInfo struct {
	CanTrade    bool      `json:"canTrade"`
	CanWithdraw bool      `json:"canWithdraw"`
	CanDeposit  bool      `json:"canDeposit"`
	UpdateTime  int64     `json:"updateTime"`
	Balances    []Balance `json:"balances"`
}

// OrderRequest carries the parameters for POST /api/v3/order.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    float64
	Price       float64 // LIMIT only
	TimeInForce string  // LIMIT only, GTC
}

// OrderResponse is the response of POST /api/v3/order.
type OrderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	Price               float64 `json:"price,string"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	Type                string  `json:"type"`
	Side                string  `json:"side"`
}

// Order is the response of the signed GET /api/v3/order and one element of
// GET /api/v3/openOrders.
type Order struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Status        string  `json:"status"`
	Type          string  `json:"type"`
	Side          string  `json:"side"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// Trade is one element of GET /api/v3/trades.
type Trade struct {
	ID           int64   `json:"id"`
	Price        float64 `json:"price,string"`
	Qty          float64 `json:"qty,string"`
	QuoteQty     float64 `json:"quoteQty,string"`
	Time         int64   `json:"time"`
	IsBuyerMaker bool    `json:"isBuyerMaker"`
}

// CalendarEntry is a single upcoming listing from the calendar endpoint.
type CalendarEntry struct {
	VcoinID       string `json:"vcoinId"`
	Symbol        string `json:"vcoinNameFull"`
	VcoinName     string `json:"vcoinName"`
	ProjectName   string `json:"projectName"`
	FirstOpenTime int64  `json:"firstTime"`
	Zone          string `json:"zone,omitempty"`
}
