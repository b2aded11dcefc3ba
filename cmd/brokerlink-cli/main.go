package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brokerlink/internal/live"
	"brokerlink/internal/util"
	"brokerlink/pkg/brokerlink"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: brokerlink-cli [options] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version               Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  health                Show session health\n")
	fmt.Fprintf(os.Stderr, "  orders [status]       List orders (open, closed or a status)\n")
	fmt.Fprintf(os.Stderr, "  order <id>            Show one order\n")
	fmt.Fprintf(os.Stderr, "  transactions          List fills\n")
	fmt.Fprintf(os.Stderr, "  positions             List positions\n")
	fmt.Fprintf(os.Stderr, "  portfolio             Show the portfolio\n")
	fmt.Fprintf(os.Stderr, "  account               Show the account\n")
	fmt.Fprintf(os.Stderr, "  spot <symbol> [field] Show the current value of a field\n")
	fmt.Fprintf(os.Stderr, "  bars <symbol> [freq]  Show recent bars\n")
	fmt.Fprintf(os.Stderr, "  watch [symbol]        Stream order events\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "status API base URL")
	grpcAddr := flag.String("grpc", "127.0.0.1:9090", "order event stream address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if args[0] == "watch" {
		symbol := ""
		if len(args) > 1 {
			symbol = args[1]
		}
		if err := watch(ctx, *grpcAddr, symbol); err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			os.Exit(1)
		}
		return
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, *timeout)
	defer reqCancel()
	c := brokerlink.NewClient(*addr)

	var (
		out any
		err error
	)
	switch args[0] {
	case "version":
		fmt.Printf("brokerlink-cli %s\n", version)
		return
	case "health":
		out, err = c.Health(reqCtx)
	case "orders":
		status := ""
		if len(args) > 1 {
			status = args[1]
		}
		out, err = c.Orders(reqCtx, status, "")
	case "order":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		out, err = c.Order(reqCtx, args[1])
	case "transactions":
		out, err = c.Transactions(reqCtx)
	case "positions":
		out, err = c.Positions(reqCtx)
	case "portfolio":
		out, err = c.Portfolio(reqCtx)
	case "account":
		out, err = c.Account(reqCtx)
	case "spot":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		field := ""
		if len(args) > 2 {
			field = args[2]
		}
		out, err = c.Spot(reqCtx, args[1], field)
	case "bars":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		freq := ""
		if len(args) > 2 {
			freq = args[2]
		}
		out, err = c.Bars(reqCtx, args[1], freq, 0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
	printJSON(out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encoding output: %v\n", err)
	}
}

func watch(ctx context.Context, addr, symbol string) error {
	logger := util.NewLogger("warn", "text")
	util.SetDefault(logger)
	return live.NewClient(addr, symbol, logger).Sync(ctx, func(e live.Event) {
		switch e.Kind {
		case live.KindOrder:
			o := e.Order
			fmt.Printf("%s #%d order %s %s %d/%d %s\n",
				e.Time.Format(time.TimeOnly), e.Seq, o.ID, o.Asset.Symbol, o.Filled, o.Amount, o.Status)
		case live.KindTransaction:
			tx := e.Transaction
			fmt.Printf("%s #%d fill  %s %s %d @ %g fee %g\n",
				e.Time.Format(time.TimeOnly), e.Seq, tx.OrderID, tx.Asset.Symbol, tx.Amount, tx.Price, tx.Commission)
		}
	})
}
