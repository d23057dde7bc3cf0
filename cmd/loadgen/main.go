// Command loadgen pounds a running tradebot's control API with randomized
// orders. It is a soak tool: point it at a paper-mode bot (ideally with chaos
// injection enabled), let it place and cancel orders for a while, then check
// the journal, ledger, and published event streams with the verifier.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/primetrades/primetrades/internal/api"
	"github.com/primetrades/primetrades/internal/logging"
	"go.uber.org/zap"
)

func main() {
	var (
		count     = flag.Int("count", 50, "Number of orders to place")
		interval  = flag.Duration("interval", 200*time.Millisecond, "Delay between orders")
		seed      = flag.Int64("seed", 42, "Random seed for deterministic generation")
		apiBase   = flag.String("api", envOr("LOADGEN_API", "http://127.0.0.1:8080"), "Base URL of the tradebot control API")
		symbols   = flag.String("symbols", "BTCUSDT", "Comma-separated symbols to trade")
		baseQty   = flag.Float64("qty", 0.01, "Base order quantity; each order randomizes up to 2x this")
		limitPct  = flag.Int("limit-pct", 40, "Percentage of limit orders, rest are market (0-100)")
		cancelPct = flag.Int("cancel-pct", 50, "Percentage of limit orders to cancel afterwards (0-100)")
		sweep     = flag.Bool("sweep", true, "Cancel all remaining open orders when done")
	)
	flag.Parse()

	logger, err := logging.NewLogger("loadgen", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	symbolList := parseSymbols(*symbols)
	if len(symbolList) == 0 {
		logger.Fatal("no symbols given")
	}

	logger.Info("starting loadgen",
		zap.Int("count", *count),
		zap.Int64("seed", *seed),
		zap.String("api", *apiBase),
		zap.Strings("symbols", symbolList),
		zap.Int("limit_pct", *limitPct),
		zap.Int("cancel_pct", *cancelPct),
	)

	hc := &http.Client{Timeout: 10 * time.Second}
	rng := rand.New(rand.NewSource(*seed))

	placed := 0
	rejected := 0
	failed := 0
	toCancel := make([]string, 0)

	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}

		symbol := symbolList[rng.Intn(len(symbolList))]
		req := api.PlaceOrderRequest{
			Symbol: symbol,
			Qty:    *baseQty * (1 + rng.Float64()),
		}
		if rng.Intn(2) == 0 {
			req.Side = "BUY"
		} else {
			req.Side = "SELL"
		}

		isLimit := rng.Intn(100) < *limitPct
		if isLimit {
			mark, err := lastPrice(hc, *apiBase, symbol)
			if err != nil {
				logger.Error("price lookup failed", zap.String("symbol", symbol), zap.Error(err))
				failed++
				continue
			}
			// Rest away from the mark so the order stays open long enough
			// to be cancelled.
			off := 0.002 + rng.Float64()*0.01
			req.Type = "LIMIT"
			if req.Side == "BUY" {
				req.Price = mark * (1 - off)
			} else {
				req.Price = mark * (1 + off)
			}
		} else {
			req.Type = "MARKET"
		}

		info, status, err := placeOrder(hc, *apiBase, req)
		switch {
		case err != nil:
			logger.Error("place failed", zap.String("symbol", symbol), zap.Error(err))
			failed++
		case status == http.StatusUnprocessableEntity:
			// The risk gate refusing an order is the bot working, not a
			// failure of the run.
			rejected++
			logger.Info("order rejected by risk gate", zap.String("symbol", symbol))
		case status != http.StatusCreated:
			logger.Error("unexpected status", zap.Int("status", status), zap.String("symbol", symbol))
			failed++
		default:
			placed++
			logger.Debug("placed order",
				zap.String("client_id", info.ClientID),
				zap.String("type", req.Type),
				zap.String("side", req.Side),
			)
			if isLimit && rng.Intn(100) < *cancelPct {
				toCancel = append(toCancel, info.ClientID)
			}
		}
	}

	// Cancel pass: exercises the single-order cancel path on a sample of
	// the resting limit orders. A 409 means the order filled first, which
	// is fine.
	cancelled := 0
	for _, id := range toCancel {
		status, err := cancelOrder(hc, *apiBase, id)
		switch {
		case err != nil:
			logger.Warn("cancel failed", zap.String("client_id", id), zap.Error(err))
		case status == http.StatusAccepted:
			cancelled++
		case status == http.StatusConflict:
			logger.Debug("order already terminal", zap.String("client_id", id))
		default:
			logger.Warn("unexpected cancel status", zap.String("client_id", id), zap.Int("status", status))
		}
	}

	swept := 0
	if *sweep {
		n, err := cancelAll(hc, *apiBase)
		if err != nil {
			logger.Warn("cancel-all failed", zap.Error(err))
		} else {
			swept = n
		}
	}

	logger.Info("loadgen completed",
		zap.Int("attempted", *count),
		zap.Int("placed", placed),
		zap.Int("risk_rejected", rejected),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled),
		zap.Int("swept", swept),
	)

	fmt.Printf("\n=== Load Summary ===\n")
	fmt.Printf("Orders attempted: %d\n", *count)
	fmt.Printf("Placed: %d\n", placed)
	fmt.Printf("Risk-rejected: %d\n", rejected)
	fmt.Printf("Failed: %d\n", failed)
	fmt.Printf("Cancelled: %d\n", cancelled)
	fmt.Printf("Swept at end: %d\n", swept)
	fmt.Printf("API: %s\n", *apiBase)
	fmt.Printf("\n")

	if failed > 0 {
		os.Exit(1)
	}
}

func parseSymbols(s string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func placeOrder(hc *http.Client, base string, req api.PlaceOrderRequest) (api.OrderInfo, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return api.OrderInfo{}, 0, err
	}
	resp, err := hc.Post(base+"/api/v1/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		return api.OrderInfo{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return api.OrderInfo{}, resp.StatusCode, nil
	}
	var info api.OrderInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return api.OrderInfo{}, resp.StatusCode, fmt.Errorf("decode order: %w", err)
	}
	return info, resp.StatusCode, nil
}

func lastPrice(hc *http.Client, base, symbol string) (float64, error) {
	resp, err := hc.Get(base + "/api/v1/price/" + symbol)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price %s: status %d", symbol, resp.StatusCode)
	}
	var pr api.PriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}
	return pr.Price, nil
}

func cancelOrder(hc *http.Client, base, clientID string) (int, error) {
	resp, err := hc.Post(base+"/api/v1/orders/"+clientID+"/cancel", "application/json", nil)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func cancelAll(hc *http.Client, base string) (int, error) {
	resp, err := hc.Post(base+"/api/v1/orders/cancel-all", "application/json", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return 0, fmt.Errorf("cancel-all: status %d", resp.StatusCode)
	}
	var out struct {
		Cancelling int `json:"cancelling"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode cancel-all: %w", err)
	}
	return out.Cancelling, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
