// Command botctl drives a running tradebot through its control API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/primetrades/primetrades/internal/api"
)

const usage = `Usage: botctl [-api URL] <command> [args]

Commands:
  status                                     bot status and halted symbols
  balance [asset]                            venue balance (default USDT)
  price <symbol>                             last observed price
  market <symbol> <buy|sell> <qty>           place a market order
  limit <symbol> <buy|sell> <qty> <price>    place a limit order
  stop <symbol> <buy|sell> <qty> <stop> <limit>
                                             place a stop-limit order
  open-orders                                list live orders
  order <client_id>                          show one order
  cancel <client_id>                         cancel an order
  cancel-all                                 cancel every live order
  positions                                  current holdings
  pause                                      hold strategy trading
  resume                                     resume strategy trading
  resume-symbol <symbol>                     clear an invariant halt
  reconcile                                  force a venue reconciliation
`

type client struct {
	base string
	hc   *http.Client
}

func main() {
	apiURL := flag.String("api", envOr("BOTCTL_API", "http://127.0.0.1:8080"), "tradebot API base URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	c := &client{
		base: strings.TrimRight(*apiURL, "/"),
		hc:   &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "status":
		err = c.status()
	case "balance":
		asset := "USDT"
		if len(rest) > 0 {
			asset = rest[0]
		}
		err = c.balance(asset)
	case "price":
		err = withArgs(rest, 1, func() error { return c.price(rest[0]) })
	case "market":
		err = withArgs(rest, 3, func() error { return c.place(rest, "MARKET") })
	case "limit":
		err = withArgs(rest, 4, func() error { return c.place(rest, "LIMIT") })
	case "stop":
		err = withArgs(rest, 5, func() error { return c.place(rest, "STOP") })
	case "open-orders":
		err = c.openOrders()
	case "order":
		err = withArgs(rest, 1, func() error { return c.order(rest[0]) })
	case "cancel":
		err = withArgs(rest, 1, func() error { return c.cancel(rest[0]) })
	case "cancel-all":
		err = c.cancelAll()
	case "positions":
		err = c.positions()
	case "pause":
		err = c.simple("POST", "/api/v1/pause", "strategy trading paused")
	case "resume":
		err = c.simple("POST", "/api/v1/resume", "strategy trading resumed")
	case "resume-symbol":
		err = withArgs(rest, 1, func() error {
			return c.simple("POST", "/api/v1/symbols/"+rest[0]+"/resume", "symbol resumed: "+rest[0])
		})
	case "reconcile":
		err = c.simple("POST", "/api/v1/reconcile", "reconciliation scheduled")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "botctl: %v\n", err)
		os.Exit(1)
	}
}

func withArgs(rest []string, n int, fn func() error) error {
	if len(rest) < n {
		flag.Usage()
		return fmt.Errorf("expected %d argument(s), got %d", n, len(rest))
	}
	return fn()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *client) status() error {
	var st api.StatusResponse
	if err := c.get("/api/v1/status", &st); err != nil {
		return err
	}
	fmt.Printf("gateway:    %s\n", st.Gateway)
	fmt.Printf("paused:     %v\n", st.Paused)
	fmt.Printf("open:       %d orders\n", st.OpenOrders)
	fmt.Printf("cash:       %.2f\n", st.Cash)
	fmt.Printf("equity:     %.2f\n", st.Equity)
	fmt.Printf("committed:  %.2f\n", st.CommittedExposure)
	fmt.Printf("uptime:     %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	for sym, reason := range st.HaltedSymbols {
		fmt.Printf("HALTED:     %s (%s)\n", sym, reason)
	}
	return nil
}

func (c *client) balance(asset string) error {
	var bal api.BalanceResponse
	if err := c.get("/api/v1/balance?asset="+asset, &bal); err != nil {
		return err
	}
	fmt.Printf("%s %.8f\n", bal.Asset, bal.Balance)
	return nil
}

func (c *client) price(symbol string) error {
	var pr api.PriceResponse
	if err := c.get("/api/v1/price/"+symbol, &pr); err != nil {
		return err
	}
	fmt.Printf("%s %.8f\n", pr.Symbol, pr.Price)
	return nil
}

// place builds the order request from positional args:
// <symbol> <buy|sell> <qty> [price-args...] depending on the type.
func (c *client) place(rest []string, typ string) error {
	side := strings.ToUpper(rest[1])
	if side != "BUY" && side != "SELL" {
		return fmt.Errorf("side must be buy or sell, got %q", rest[1])
	}
	qty, err := strconv.ParseFloat(rest[2], 64)
	if err != nil {
		return fmt.Errorf("invalid qty %q: %w", rest[2], err)
	}

	req := api.PlaceOrderRequest{Symbol: rest[0], Side: side, Type: typ, Qty: qty}
	switch typ {
	case "LIMIT":
		if req.Price, err = strconv.ParseFloat(rest[3], 64); err != nil {
			return fmt.Errorf("invalid price %q: %w", rest[3], err)
		}
	case "STOP":
		if req.StopPrice, err = strconv.ParseFloat(rest[3], 64); err != nil {
			return fmt.Errorf("invalid stop price %q: %w", rest[3], err)
		}
		if req.Price, err = strconv.ParseFloat(rest[4], 64); err != nil {
			return fmt.Errorf("invalid limit price %q: %w", rest[4], err)
		}
	}

	var placed api.OrderInfo
	if err := c.post("/api/v1/orders", req, &placed); err != nil {
		return err
	}
	fmt.Printf("placed %s %s %s qty=%v id=%s\n",
		placed.Type, placed.Side, placed.Symbol, placed.Qty, placed.ClientID)
	return nil
}

func (c *client) openOrders() error {
	var orders []api.OrderInfo
	if err := c.get("/api/v1/orders", &orders); err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("no open orders")
		return nil
	}
	printOrders(orders)
	return nil
}

func (c *client) order(clientID string) error {
	var o api.OrderInfo
	if err := c.get("/api/v1/orders/"+clientID, &o); err != nil {
		return err
	}
	printOrders([]api.OrderInfo{o})
	return nil
}

func printOrders(orders []api.OrderInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT_ID\tSYMBOL\tSIDE\tTYPE\tQTY\tFILLED\tPRICE\tSTATE")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\t%v\t%s\n",
			o.ClientID, o.Symbol, o.Side, o.Type, o.Qty, o.FilledQty, o.Price, o.State)
	}
	w.Flush()
}

func (c *client) cancel(clientID string) error {
	var out map[string]string
	if err := c.post("/api/v1/orders/"+clientID+"/cancel", nil, &out); err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s\n", clientID)
	return nil
}

func (c *client) cancelAll() error {
	var out map[string]int
	if err := c.post("/api/v1/orders/cancel-all", nil, &out); err != nil {
		return err
	}
	fmt.Printf("cancelling %d order(s)\n", out["cancelling"])
	return nil
}

func (c *client) positions() error {
	var positions []api.PositionInfo
	if err := c.get("/api/v1/positions", &positions); err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Println("no positions")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tQTY\tAVG_ENTRY\tMARK\tUNREALIZED\tREALIZED")
	for _, p := range positions {
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%.2f\t%.2f\n",
			p.Symbol, p.Qty, p.AvgEntryPrice, p.MarkPrice, p.UnrealizedPnL, p.RealizedPnL)
	}
	w.Flush()
	return nil
}

func (c *client) simple(method, path, okMsg string) error {
	if err := c.do(method, path, nil, nil); err != nil {
		return err
	}
	fmt.Println(okMsg)
	return nil
}

func (c *client) get(path string, out any) error {
	return c.do("GET", path, nil, out)
}

func (c *client) post(path string, body, out any) error {
	return c.do("POST", path, body, out)
}

func (c *client) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the bot running at %s?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			if apiErr.Detail != "" {
				return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Detail)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
