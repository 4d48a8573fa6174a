package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"quantrisk/internal/api"
	"quantrisk/internal/config"
	"quantrisk/internal/domain"
	"quantrisk/pkg/quantrisk"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: quantrisk-cli [-server URL] [-grpc ADDR] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                           Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                            Show HTTP and gRPC health\n")
	fmt.Fprintf(os.Stderr, "  strategies                        List registered strategies\n")
	fmt.Fprintf(os.Stderr, "  backtest <strategy> <SYM,..> <start> <end>\n")
	fmt.Fprintf(os.Stderr, "                                    Run a backtest on the server\n")
	fmt.Fprintf(os.Stderr, "  runs [limit]                      List stored backtests\n")
	fmt.Fprintf(os.Stderr, "  run <id>                          Show a stored backtest\n")
	fmt.Fprintf(os.Stderr, "  buy|sell <SYM> <qty> <price>      Submit a paper order\n")
	fmt.Fprintf(os.Stderr, "  cancel <order-id>                 Cancel an open order\n")
	fmt.Fprintf(os.Stderr, "  orders [status]                   List orders\n")
	fmt.Fprintf(os.Stderr, "  price <SYM> <price>               Mark a symbol to a new price\n")
	fmt.Fprintf(os.Stderr, "  positions | account | risk        Show paper trading state\n")
	fmt.Fprintf(os.Stderr, "  alerts [limit]                    List recent risk alerts\n")
	fmt.Fprintf(os.Stderr, "  reset                             Reset the daily risk limits\n")
	fmt.Fprintf(os.Stderr, "  watch                             Stream risk alerts\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	server := flag.String("server", "http://"+cfg.Server.Addr(), "quantrisk-server base URL")
	grpcAddr := flag.String("grpc", cfg.Server.GRPCAddr(), "quantrisk-server gRPC address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := quantrisk.NewClient(*server)
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Printf("quantrisk-cli %s\n", version)

	case "status":
		if err := c.Health(ctx); err != nil {
			fmt.Printf("http: %v\n", err)
		} else {
			fmt.Println("http: ok")
		}
		hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := api.CheckHealth(hctx, *grpcAddr)
		hcancel()
		if err != nil {
			fmt.Printf("grpc: %v\n", err)
		} else {
			fmt.Printf("grpc: %s\n", status)
		}

	case "strategies":
		names, err := c.Strategies(ctx)
		check(err)
		for _, n := range names {
			fmt.Println(n)
		}

	case "backtest":
		need(rest, 4)
		rec, err := c.RunBacktest(ctx, api.BacktestRequest{
			Strategy:  rest[0],
			Symbols:   strings.Split(rest[1], ","),
			StartDate: rest[2],
			EndDate:   rest[3],
		})
		check(err)
		m := rec.Result.Metrics
		fmt.Printf("%s  return %.2f%%  sharpe %.2f  max dd %.2f%%  trades %d\n",
			rec.ID, m.TotalReturn*100, m.SharpeRatio, m.MaxDrawdown*100, m.TotalTrades)

	case "runs":
		runs, err := c.ListBacktests(ctx, intArg(rest, 0, 20))
		check(err)
		for _, r := range runs {
			fmt.Printf("%s  %-28s %s..%s  return %.2f%%  sharpe %.2f\n", r.ID, r.Strategy,
				r.StartDate.Format("2006-01-02"), r.EndDate.Format("2006-01-02"), r.TotalReturn*100, r.SharpeRatio)
		}

	case "run":
		need(rest, 1)
		rec, err := c.GetBacktest(ctx, rest[0])
		check(err)
		printJSON(rec)

	case "buy", "sell":
		need(rest, 3)
		resp, err := c.SubmitOrder(ctx, api.OrderRequest{
			Symbol: rest[0],
			Side:   domain.Side(strings.ToUpper(cmd)),
			Qty:    floatArg(rest[1]),
			Price:  floatArg(rest[2]),
		})
		if resp != nil {
			printJSON(resp)
		}
		check(err)

	case "cancel":
		need(rest, 1)
		check(c.CancelOrder(ctx, rest[0]))
		fmt.Printf("%s cancelled\n", rest[0])

	case "orders":
		var status domain.OrderStatus
		if len(rest) > 0 {
			status = domain.OrderStatus(rest[0])
		}
		orders, err := c.ListOrders(ctx, status)
		check(err)
		for _, o := range orders {
			fmt.Printf("%s  %-4s %-8s %8.2f @ %-10.2f %s\n", o.ID, o.Side, o.Symbol, o.Qty, o.FilledAvgPrice, o.Status)
		}

	case "price":
		need(rest, 2)
		st, err := c.UpdatePrice(ctx, rest[0], floatArg(rest[1]))
		check(err)
		printJSON(st)

	case "positions":
		positions, err := c.GetPositions(ctx)
		check(err)
		printJSON(positions)

	case "account":
		acct, err := c.GetAccount(ctx)
		check(err)
		printJSON(acct)

	case "risk":
		st, err := c.Risk(ctx)
		check(err)
		printJSON(st)

	case "alerts":
		alerts, err := c.Alerts(ctx, time.Time{}, intArg(rest, 0, 50))
		check(err)
		for _, a := range alerts {
			printAlert(a)
		}

	case "reset":
		st, err := c.ResetRisk(ctx)
		check(err)
		fmt.Printf("risk state: %s\n", st.State)

	case "watch":
		check(watch(ctx, *server))

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
}

// watch prints alerts from the server's stream until ctx is cancelled.
func watch(ctx context.Context, server string) error {
	url := "ws" + strings.TrimPrefix(strings.TrimRight(server, "/"), "http") + "/api/risk/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	fmt.Fprintf(os.Stderr, "watching %s\n", url)
	for {
		var a domain.RiskAlert
		if err := wsjson.Read(ctx, conn, &a); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printAlert(a)
	}
}

func printAlert(a domain.RiskAlert) {
	fmt.Printf("%s  %-8s %-22s %-6s %s\n", a.Timestamp.Format(time.RFC3339), a.Severity, a.Type, a.Symbol, a.Message)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func check(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func need(args []string, n int) {
	if len(args) < n {
		flag.Usage()
		os.Exit(1)
	}
}

func floatArg(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("%q is not a number", v)
	}
	return f
}

func intArg(args []string, i, def int) int {
	if len(args) <= i {
		return def
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		log.Fatalf("%q is not an integer", args[i])
	}
	return n
}
