package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"price-truth/internal/model"
)

// Show prints the latest records with their read-time status.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.service.ListRecords(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeRecords(out, records, rt.service.Now())
}

func writeRecords(out io.Writer, records []model.PriceTruthRecord, now time.Time) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no records found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Product\tPrice\tCurrency\tStatus\tAgreeing\tSources\tUpdated (UTC)\tFresh\tOutliers")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%d\t%s\t%t\t%s\n",
			sanitizeInline(rec.ProductKey),
			formatDecimal(rec.VerifiedPrice, 2),
			rec.Currency,
			rec.EffectiveStatus(now),
			rec.Consensus.AgreeingSources,
			len(rec.Quotes),
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			rec.IsFresh(now),
			strings.Join(rec.Consensus.OutlierSourceNames, ","),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
