package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/godsgiftsoftware/spotnet/pkg/margin"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the margin engine
type JSONRPCServer struct {
	engine *margin.MarginEngine
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(engine *margin.MarginEngine, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		s.sendError(w, req.ID, err.(*RPCError))
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Treasury methods
	case "margin_deposit":
		return s.deposit(params)
	case "margin_withdraw":
		return s.withdraw(params)
	case "margin_getBalance":
		return s.getBalance(params)
	case "margin_getPoolTotal":
		return s.getPoolTotal(params)

	// Position methods
	case "margin_openPosition":
		return s.openPosition(params)
	case "margin_closePosition":
		return s.closePosition(params)
	case "margin_liquidate":
		return s.liquidate(params)
	case "margin_getPosition":
		return s.getPosition(params)
	case "margin_getHealthFactor":
		return s.getHealthFactor(params)
	case "margin_isPositionHealthy":
		return s.isPositionHealthy(params)

	// Risk methods
	case "margin_setRiskFactor":
		return s.setRiskFactor(params)
	case "margin_getRiskFactor":
		return s.getRiskFactor(params)

	// Info methods
	case "margin_listEvents":
		return s.listEvents(params)
	case "margin_getInfo":
		return s.getInfo(params)
	case "margin_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// parseAmount converts a human-unit decimal string ("1.5") into base
// units of the asset. The value must not carry more precision than the
// asset's decimals.
func (s *JSONRPCServer) parseAmount(value, asset string) (*big.Int, *RPCError) {
	custodian, err := s.engine.Treasury().Custodian(asset)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error(), Data: errData(err)}
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid amount %q", value)}
	}
	shifted := d.Shift(int32(custodian.Decimals()))
	if !shifted.IsInteger() {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("amount %q exceeds asset precision", value)}
	}
	return shifted.BigInt(), nil
}

// formatAmount renders base units back into human units.
func (s *JSONRPCServer) formatAmount(value *big.Int, asset string) string {
	custodian, err := s.engine.Treasury().Custodian(asset)
	if err != nil {
		return value.String()
	}
	return decimal.NewFromBigInt(value, -int32(custodian.Decimals())).String()
}

func parseBounds(maxIn, minOut string) (margin.SlippageBounds, *RPCError) {
	var bounds margin.SlippageBounds
	if maxIn != "" {
		v, ok := new(big.Int).SetString(maxIn, 10)
		if !ok {
			return bounds, &RPCError{Code: InvalidParams, Message: "invalid maxIn"}
		}
		bounds.MaxIn = v
	}
	if minOut != "" {
		v, ok := new(big.Int).SetString(minOut, 10)
		if !ok {
			return bounds, &RPCError{Code: InvalidParams, Message: "invalid minOut"}
		}
		bounds.MinOut = v
	}
	return bounds, nil
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, rpcErr := s.parseAmount(p.Amount, p.Asset)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Treasury().Deposit(p.Account, p.Asset, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error(), Data: errData(err)}
	}

	return map[string]interface{}{
		"account": p.Account,
		"asset":   p.Asset,
		"amount":  amount.String(),
		"status":  "deposited",
	}, nil
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, rpcErr := s.parseAmount(p.Amount, p.Asset)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Treasury().Withdraw(p.Account, p.Asset, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error(), Data: errData(err)}
	}

	return map[string]interface{}{
		"account": p.Account,
		"asset":   p.Asset,
		"amount":  amount.String(),
		"status":  "withdrawn",
	}, nil
}

func (s *JSONRPCServer) getBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	balance := s.engine.Treasury().BalanceOf(p.Account, p.Asset)
	return map[string]interface{}{
		"account": p.Account,
		"asset":   p.Asset,
		"balance": balance.String(),
		"human":   s.formatAmount(balance, p.Asset),
	}, nil
}

func (s *JSONRPCServer) getPoolTotal(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	total := s.engine.Treasury().PoolTotal(p.Asset)
	return map[string]interface{}{
		"asset": p.Asset,
		"total": total.String(),
		"human": s.formatAmount(total, p.Asset),
	}, nil
}

func (s *JSONRPCServer) openPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account         string `json:"account"`
		CollateralAsset string `json:"collateralAsset"`
		DebtAsset       string `json:"debtAsset"`
		Amount          string `json:"amount"`
		Leverage        uint64 `json:"leverage"` // tenths: 50 = 5.0x
		Token0          string `json:"token0"`
		Token1          string `json:"token1"`
		MaxIn           string `json:"maxIn,omitempty"`
		MinOut          string `json:"minOut,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, rpcErr := s.parseAmount(p.Amount, p.CollateralAsset)
	if rpcErr != nil {
		return nil, rpcErr
	}
	bounds, rpcErr := parseBounds(p.MaxIn, p.MinOut)
	if rpcErr != nil {
		return nil, rpcErr
	}

	key := margin.PoolKey{Token0: p.Token0, Token1: p.Token1}
	pos, err := s.engine.OpenMarginPosition(p.Account, p.CollateralAsset, p.DebtAsset, amount, p.Leverage, key, bounds)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error(), Data: errData(err)}
	}

	return map[string]interface{}{
		"account":      pos.Account,
		"tradedAmount": pos.TradedAmount.String(),
		"debtAmount":   pos.DebtAmount.String(),
		"status":       "opened",
	}, nil
}

func (s *JSONRPCServer) closePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Token0  string `json:"token0"`
		Token1  string `json:"token1"`
		MaxIn   string `json:"maxIn,omitempty"`
		MinOut  string `json:"minOut,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	bounds, rpcErr := parseBounds(p.MaxIn, p.MinOut)
	if rpcErr != nil {
		return nil, rpcErr
	}

	key := margin.PoolKey{Token0: p.Token0, Token1: p.Token1}
	if err := s.engine.ClosePosition(p.Account, key, bounds); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error(), Data: errData(err)}
	}

	return map[string]interface{}{
		"account": p.Account,
		"status":  "closed",
	}, nil
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string `json:"caller"`
		Account string `json:"account"`
		Token0  string `json:"token0"`
		Token1  string `json:"token1"`
		MaxIn   string `json:"maxIn,omitempty"`
		MinOut  string `json:"minOut,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	bounds, rpcErr := parseBounds(p.MaxIn, p.MinOut)
	if rpcErr != nil {
		return nil, rpcErr
	}

	key := margin.PoolKey{Token0: p.Token0, Token1: p.Token1}
	if err := s.engine.Liquidate(p.Caller, p.Account, key, bounds); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error(), Data: errData(err)}
	}

	return map[string]interface{}{
		"account":    p.Account,
		"liquidator": p.Caller,
		"status":     "liquidated",
	}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	pos := s.engine.GetPosition(p.Account)
	if pos == nil {
		return nil, &RPCError{Code: InternalError, Message: "position not found"}
	}
	return pos, nil
}

func (s *JSONRPCServer) getHealthFactor(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	hf, err := s.engine.HealthFactor(p.Account)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error(), Data: errData(err)}
	}

	return map[string]interface{}{
		"account":      p.Account,
		"healthFactor": hf.String(),
		// Fixed-point ratio rendered as a plain decimal.
		"human": decimal.NewFromBigInt(hf, -27).String(),
	}, nil
}

func (s *JSONRPCServer) isPositionHealthy(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	healthy, err := s.engine.IsPositionHealthy(p.Account)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error(), Data: errData(err)}
	}
	return map[string]interface{}{
		"account": p.Account,
		"healthy": healthy,
	}, nil
}

func (s *JSONRPCServer) setRiskFactor(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		Asset  string `json:"asset"`
		Value  string `json:"value"` // fraction, e.g. "0.8"
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	d, err := decimal.NewFromString(p.Value)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid risk factor %q", p.Value)}
	}
	value := d.Shift(27).BigInt()

	if err := s.engine.Risk().SetRiskFactor(p.Caller, p.Asset, value); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error(), Data: errData(err)}
	}
	return map[string]interface{}{
		"asset":  p.Asset,
		"value":  value.String(),
		"status": "set",
	}, nil
}

func (s *JSONRPCServer) getRiskFactor(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	factor := s.engine.Risk().RiskFactor(p.Asset)
	return map[string]interface{}{
		"asset": p.Asset,
		"value": factor.String(),
		"human": decimal.NewFromBigInt(factor, -27).String(),
	}, nil
}

func (s *JSONRPCServer) listEvents(params json.RawMessage) (interface{}, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	p.Limit = 100
	json.Unmarshal(params, &p)

	return s.engine.Events().List(p.Limit), nil
}

func (s *JSONRPCServer) getInfo(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"version":    "1.0.0",
		"timestamp":  time.Now().Unix(),
		"eventCount": s.engine.Events().Len(),
	}, nil
}

// errData tags an error response with its failure category so clients
// can branch without string matching.
func errData(err error) map[string]interface{} {
	return map[string]interface{}{"kind": margin.Kind(err)}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, engine *margin.MarginEngine, logger log.Logger) error {
	server := NewJSONRPCServer(engine, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
