package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	cli "github.com/jawher/mow.cli"
	"github.com/shopspring/decimal"

	"price-tracker/internal/database"
	"price-tracker/internal/models"
	"price-tracker/internal/monitor"
	"price-tracker/internal/report"
	"price-tracker/internal/scheduler"
)

var exitCode int

func main() {
	tracker := cli.App("price-tracker", "Scrape product prices, keep their history and alert on drops")
	tracker.Version("v version", "price-tracker 1.0.0")

	tracker.Command("serve", "Scrape on a schedule until interrupted", cmdServe)
	tracker.Command("scrape", "Run one scrape over the product registry", cmdScrape)
	tracker.Command("summary", "Show the latest state of every tracked product", cmdSummary)
	tracker.Command("history", "Show recorded observations, newest first", cmdHistory)
	tracker.Command("products", "List the product registry", cmdProducts)

	if err := tracker.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// fail reports err and sets a non-zero exit code
func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	exitCode = 1
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdServe(cmd *cli.Cmd) {
	cmd.Action = func() {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			fail(err)
			return
		}
		defer a.Close()

		if _, err := a.products(); err != nil {
			fail(err)
			return
		}

		sched := scheduler.New(a.monitor, a.report, a.products, scheduler.Config{
			ScrapeInterval:  a.cfg.ScrapeInterval,
			InitialDelay:    a.cfg.InitialDelay,
			RefreshInterval: a.cfg.RefreshInterval,
		}, a.log)
		if err := sched.Start(ctx); err != nil {
			fail(err)
			return
		}

		<-ctx.Done()
		a.log.Info("Shutting down")
		sched.Stop()
	}
}

func cmdScrape(cmd *cli.Cmd) {
	silent := cmd.BoolOpt("s silent", false, "Do not print the result table")
	asJSON := cmd.BoolOpt("json", false, "Print the run result as JSON")

	cmd.Action = func() {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			fail(err)
			return
		}
		defer a.Close()

		products, err := a.products()
		if err != nil {
			fail(err)
			return
		}
		result, err := a.monitor.RunScrape(ctx, products)
		if errors.Is(err, monitor.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "a scrape is already running; try again later")
			exitCode = 2
			return
		}
		if err != nil {
			fail(err)
			return
		}

		switch {
		case *asJSON:
			writeJSON(os.Stdout, result)
		case !*silent:
			printRunResult(os.Stdout, result)
		}
		if len(result.Failed) > 0 {
			exitCode = 1
		}
	}
}

func cmdSummary(cmd *cli.Cmd) {
	asJSON := cmd.BoolOpt("json", false, "Print JSON instead of a table")

	cmd.Action = func() {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, false)
		if err != nil {
			fail(err)
			return
		}
		defer a.Close()

		products, err := a.products()
		if err != nil {
			fail(err)
			return
		}
		rows, err := a.report.Summary(ctx, products)
		if err != nil {
			fail(err)
			return
		}
		if *asJSON {
			writeJSON(os.Stdout, rows)
			return
		}
		printSummary(os.Stdout, rows)
	}
}

func cmdHistory(cmd *cli.Cmd) {
	name := cmd.StringOpt("n name", "", "Product name; omit for all products")
	limit := cmd.IntOpt("l limit", database.DefaultHistoryLimit, "Maximum rows to return")
	asJSON := cmd.BoolOpt("json", false, "Print JSON instead of a table")

	cmd.Action = func() {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, false)
		if err != nil {
			fail(err)
			return
		}
		defer a.Close()

		rows, err := a.report.History(ctx, models.ProductName(*name), *limit)
		if err != nil {
			fail(err)
			return
		}
		if *asJSON {
			writeJSON(os.Stdout, rows)
			return
		}
		printHistory(os.Stdout, rows)
	}
}

func cmdProducts(cmd *cli.Cmd) {
	cmd.Action = func() {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, false)
		if err != nil {
			fail(err)
			return
		}
		defer a.Close()

		products, err := a.products()
		if err != nil {
			fail(err)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPLATFORM\tTHRESHOLD\tURL")
		for _, p := range products {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Platform, p.Threshold.StringFixed(2), p.URL)
		}
		w.Flush()
	}
}

func printRunResult(out io.Writer, r *models.RunResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tPLATFORM\tCURRENT\tTHRESHOLD\tDISCOUNT\tCHANGE\tSTATUS")
	for _, rep := range r.Reports {
		status := rep.ThresholdStatus
		switch rep.Outcome {
		case models.OutcomeFailed:
			status = "failed: " + string(rep.Error)
		case models.OutcomeSkipped:
			status = "skipped"
		}
		if rep.Notified {
			status += " (notified)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rep.Product, rep.Platform, orDash(rep.CurrentPrice), rep.Threshold,
			orDash(rep.Discount), orDash(rep.PriceChange), status)
	}
	w.Flush()
	fmt.Fprintf(out, "\nrun %s: %d succeeded, %d failed, %d skipped, %d notified\n",
		r.RunID, len(r.Succeeded), len(r.Failed), len(r.Skipped), len(r.Notified))
}

func printSummary(out io.Writer, rows []report.ProductSummary) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tPLATFORM\tCURRENT\tORIGINAL\tPREVIOUS\tCHANGE\tDISCOUNT\tTHRESHOLD\tMET\tUPDATED\tSTATUS")
	for _, s := range rows {
		met, updated := "-", "-"
		if s.ThresholdMet != nil {
			met = fmt.Sprintf("%t", *s.ThresholdMet)
		}
		if s.LastUpdated != nil {
			updated = s.LastUpdated.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Name, s.Platform, dec(s.CurrentPrice), dec(s.OriginalPrice), dec(s.PreviousPrice),
			dec(s.PriceChange), percent(s.DiscountPercent), s.Threshold.StringFixed(2), met, updated, s.Status)
	}
	w.Flush()
	d := scheduler.Digest(rows)
	fmt.Fprintf(out, "\n%d scraped, %d pending, %d at or below threshold\n", d.Scraped, d.Pending, d.ThresholdMet)
}

func printHistory(out io.Writer, rows []models.Observation) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OBSERVED\tPRODUCT\tPLATFORM\tCURRENT\tORIGINAL\tTHRESHOLD")
	for _, o := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ObservedAt.Format("2006-01-02 15:04:05"), o.Product, o.Platform,
			o.CurrentPrice.StringFixed(2), o.OriginalPrice.StringFixed(2), o.Threshold.StringFixed(2))
	}
	w.Flush()
}

func writeJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err)
	}
}

func dec(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

func percent(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(1) + "%"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
