// Command quote prices an itinerary file or computes tax offline, using the same engine as the
// API without any storage or network dependency.
//
// Usage:
//
//	quote price --file itinerary.json [--markup 15] [--service-type hotel] [--inclusive]
//	quote tax --amount 1180 --jurisdiction IN --service-type hotel --inclusive
//	quote currency --country Japan
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	domain "github.com/tripfare/api/internal/domain"
	"github.com/tripfare/api/internal/services"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "quote",
		Usage:     "Price travel packages and compute destination taxes offline",
		Version:   fmt.Sprintf("%s (commit: %s)", version, commit),
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "text",
				Usage:   "Output format (text, json)",
				EnvVars: []string{"TRIPFARE_QUOTE_FORMAT"},
			},
		},
		Commands: []*cli.Command{
			priceCommand(),
			taxCommand(),
			currencyCommand(),
		},
	}
}

func priceCommand() *cli.Command {
	return &cli.Command{
		Name:  "price",
		Usage: "Compose a pricing snapshot for an itinerary JSON file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"i"}, Usage: "Path to the itinerary JSON (- for stdin)", Required: true},
			&cli.Float64Flag{Name: "markup", Value: domain.DefaultMarkupSettings().Percent, Usage: "Markup percentage"},
			&cli.StringFlag{Name: "service-type", Usage: "Attach a tax computation for this service type"},
			&cli.BoolFlag{Name: "inclusive", Usage: "Treat the final total as tax-inclusive"},
		},
		Action: runPrice,
	}
}

func runPrice(c *cli.Context) error {
	payload, err := readItinerary(c.String("file"))
	if err != nil {
		return err
	}
	inputs, err := services.NormalizeItinerary(domain.RawItinerary{
		PackageID: payloadID(payload),
		Source:    "file",
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	tax, err := services.NewTaxCalculator(services.DefaultTaxConfigurations()...)
	if err != nil {
		return err
	}
	composer := services.NewPricingComposer(services.PricingComposerDeps{Tax: tax})

	req := services.QuoteRequest{Inputs: inputs, MarkupPercent: c.Float64("markup")}
	if c.IsSet("service-type") || c.Bool("inclusive") {
		req.Tax = &services.TaxRequest{ServiceType: c.String("service-type"), Inclusive: c.Bool("inclusive")}
	}
	snapshot, err := composer.Quote(context.Background(), req)
	if err != nil {
		return err
	}

	if c.String("format") == "json" {
		return writeJSON(c.App.Writer, snapshot)
	}
	code := snapshot.SourceCurrency
	w := c.App.Writer
	fmt.Fprintf(w, "Package:        %s\n", firstNonEmpty(snapshot.PackageID, "-"))
	fmt.Fprintf(w, "Currency:       %s (destination %s)\n", code, snapshot.Currency)
	fmt.Fprintf(w, "Travelers:      %d adults, %d children\n", snapshot.Travelers.Adults, snapshot.Travelers.Children)
	fmt.Fprintf(w, "Accommodation:  %s\n", services.Format(snapshot.Subtotals.Accommodation, code))
	fmt.Fprintf(w, "Activities:     %s\n", services.Format(snapshot.Subtotals.Activities, code))
	fmt.Fprintf(w, "Transport:      %s\n", services.Format(snapshot.Subtotals.Transport, code))
	fmt.Fprintf(w, "Meals:          %s\n", services.Format(snapshot.Subtotals.Meals, code))
	fmt.Fprintf(w, "Base total:     %s\n", services.Format(snapshot.TotalBase, code))
	fmt.Fprintf(w, "Markup (%g%%):  %s\n", snapshot.Markup.Percentage, services.Format(snapshot.Markup.Amount, code))
	fmt.Fprintf(w, "Final total:    %s\n", services.Format(snapshot.FinalTotal, code))
	fmt.Fprintf(w, "Per adult:      %s\n", services.Format(snapshot.PerPerson.Adult, code))
	if snapshot.Travelers.Children > 0 {
		fmt.Fprintf(w, "Per child:      %s\n", services.Format(snapshot.PerPerson.Child, code))
	}
	if snapshot.Tax != nil {
		printTax(w, *snapshot.Tax, code)
	}
	return nil
}

func taxCommand() *cli.Command {
	return &cli.Command{
		Name:  "tax",
		Usage: "Compute tax for an amount in a jurisdiction",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "amount", Usage: "Amount to tax", Required: true},
			&cli.StringFlag{Name: "jurisdiction", Aliases: []string{"j"}, Usage: "ISO country code or country name", Required: true},
			&cli.StringFlag{Name: "service-type", Aliases: []string{"s"}, Usage: "Service type, e.g. hotel or transport"},
			&cli.BoolFlag{Name: "inclusive", Usage: "Amount already includes tax"},
		},
		Action: func(c *cli.Context) error {
			amount := c.Float64("amount")
			if amount < 0 {
				return fmt.Errorf("amount must be non-negative, got %v", amount)
			}
			tax, err := services.NewTaxCalculator(services.DefaultTaxConfigurations()...)
			if err != nil {
				return err
			}
			jurisdiction := services.CountryCode(c.String("jurisdiction"))
			result := tax.ComputeTax(amount, jurisdiction, c.String("service-type"), c.Bool("inclusive"))
			if c.String("format") == "json" {
				return writeJSON(c.App.Writer, result)
			}
			printTax(c.App.Writer, result, services.ResolveCurrency(jurisdiction).Code)
			return nil
		},
	}
}

func currencyCommand() *cli.Command {
	return &cli.Command{
		Name:  "currency",
		Usage: "Show the currency used in a country",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "country", Aliases: []string{"c"}, Usage: "ISO country code or country name", Required: true},
		},
		Action: func(c *cli.Context) error {
			info := services.ResolveCurrency(c.String("country"))
			if c.String("format") == "json" {
				return writeJSON(c.App.Writer, info)
			}
			fmt.Fprintf(c.App.Writer, "%s %s (%d decimals)\n", info.Code, info.Symbol, info.Decimals)
			return nil
		},
	}
}

func printTax(w io.Writer, result domain.TaxResult, code string) {
	fmt.Fprintf(w, "Jurisdiction:   %s\n", firstNonEmpty(result.Jurisdiction, "-"))
	fmt.Fprintf(w, "Net amount:     %s\n", services.Format(result.BaseAmount, code))
	for _, line := range result.Breakdown {
		fmt.Fprintf(w, "  %-12s  %s\n", line.Description, services.Format(line.Amount, code))
	}
	fmt.Fprintf(w, "Total:          %s\n", services.Format(result.TotalAmount, code))
	if result.WithholdingAmount != nil {
		fmt.Fprintf(w, "Payable:        %s\n", services.Format(result.PayableAmount, code))
	}
}

func readItinerary(path string) (map[string]any, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open itinerary: %w", err)
		}
		defer f.Close()
		r = f
	}
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode itinerary: %w", err)
	}
	return payload, nil
}

func payloadID(payload map[string]any) string {
	for _, key := range []string{"packageId", "id"} {
		if value, ok := payload[key].(string); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
