package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"price-truth/internal/config"
	"price-truth/internal/model"
	"price-truth/internal/server"
	"price-truth/internal/storage"
	"price-truth/internal/transport"
)

// Query answers one price query and prints the JSON summary to out.
func (a *App) Query(ctx context.Context, opts QueryOptions, out io.Writer) error {
	key, err := model.NewProductKey(opts.SKU, opts.Query)
	if err != nil {
		return fmt.Errorf("--sku or --q is required: %w", err)
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.service.GetPrice(ctx, key, opts.Force)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(server.NewPriceResponse(rec, rt.service.Now(), opts.Details))
}

// Refresh forces a new consensus round.
func (a *App) Refresh(ctx context.Context, opts QueryOptions, out io.Writer) error {
	opts.Force = true
	return a.Query(ctx, opts, out)
}

// Proxies prints the proxy pool, optionally after probing every proxy once.
func (a *App) Proxies(ctx context.Context, opts ProxiesOptions, out io.Writer) error {
	coordinator, err := a.newCoordinator()
	if err != nil {
		return err
	}
	pool := coordinator.Proxies()

	if opts.ProbeURL != "" {
		for range pool.Records() {
			resp, err := coordinator.Fetch(ctx, transport.Request{URL: opts.ProbeURL})
			if err != nil {
				a.Logger.Warn().Err(err).Str("url", opts.ProbeURL).Msg("probe failed")
				continue
			}
			a.Logger.Info().Str("proxy", resp.Proxy).Int("status", resp.Status).Int("attempts", resp.Attempts).Msg("probe done")
		}
	}

	return writeProxies(out, pool.Records(), pool.Stats())
}

func writeProxies(out io.Writer, records []transport.ProxyRecord, stats transport.ProxyStats) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no proxies configured; requests use direct egress")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Address\tScore\tEvicted\tLast used (UTC)")
	for _, rec := range records {
		lastUsed := "-"
		if !rec.LastUsedAt.IsZero() {
			lastUsed = rec.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%.2f\t%t\t%s\n", rec.Address, rec.Score, rec.Evicted, lastUsed)
	}
	fmt.Fprintf(writer, "\ntotal=%d available=%d evicted=%d avg_score=%.2f\n", stats.Total, stats.Available, stats.Evicted, stats.AverageScore)
	return writer.Flush()
}

// Migrate applies the embedded postgres migrations.
func (a *App) Migrate(_ context.Context) error {
	if a.Config.Storage.Driver != config.DriverPostgres {
		a.Logger.Info().Str("driver", a.Config.Storage.Driver).Msg("nothing to migrate for this driver")
		return nil
	}
	if err := storage.Migrate(a.Config.Storage.DSN); err != nil {
		return err
	}
	a.Logger.Info().Msg("migrations applied")
	return nil
}
