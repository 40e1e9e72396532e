package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/climatescope/internal/analysis"
	"github.com/kjstillabower/climatescope/internal/cleaning"
	"github.com/kjstillabower/climatescope/internal/dataset"
	"github.com/kjstillabower/climatescope/internal/query"
	"github.com/kjstillabower/climatescope/internal/repository/postgres"
	"github.com/kjstillabower/climatescope/internal/service"
)

func newCleanCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Run the cleaning pipeline and write the result",
		Long: `clean loads the input, applies the cleaning pipeline and prints the cleaning report.
With --out the cleaned rows are written as CSV ("-" for stdout, the report then goes to the log).
With --pg-url they are copied into a Postgres table, replacing it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.NoClean {
				return fmt.Errorf("--no-clean cannot be used with clean")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout)
			defer cancel()

			l, err := a.load(ctx)
			if err != nil {
				return err
			}

			switch out {
			case "":
			case "-":
				if err := l.svc.Export(ctx, query.Filter{}, nil, cmd.OutOrStdout()); err != nil {
					return err
				}
			default:
				if err := writeCSVFile(ctx, l.svc, out); err != nil {
					return err
				}
				a.logger.Info("cleaned dataset written", zap.String("path", out), zap.Int("rows", l.info.Rows))
			}

			if a.cfg.PGURL != "" {
				if err := a.persist(ctx, l); err != nil {
					return err
				}
			}

			if out == "-" {
				a.logger.Info("cleaning report", zap.Any("report", l.info.Cleaning))
				return nil
			}
			return printValue(cmd.OutOrStdout(), l.info)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", `write cleaned CSV to this path ("-" for stdout)`)
	cmd.Flags().String("pg-url", "", "Postgres connection URL to copy the cleaned rows into")
	cmd.Flags().String("pg-table", postgres.DefaultTable, "Postgres table name")
	return cmd
}

func writeCSVFile(ctx context.Context, svc *service.ClimateService, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := svc.Export(ctx, query.Filter{}, nil, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func (a *app) persist(ctx context.Context, l *loaded) error {
	snap, err := l.store.Current()
	if err != nil {
		return err
	}
	pool, err := postgres.Connect(ctx, a.cfg.PGURL)
	if err != nil {
		return err
	}
	repo := postgres.NewDatasetRepository(pool)
	defer repo.Close()

	n, err := repo.SaveFrame(ctx, a.cfg.PGTable, snap.Frame)
	if err != nil {
		return err
	}
	a.logger.Info("cleaned dataset copied to postgres", zap.String("table", a.cfg.PGTable), zap.Int64("rows", n))
	return nil
}

func newSummaryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print dataset statistics per column",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseFilter(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout)
			defer cancel()
			l, err := a.load(ctx)
			if err != nil {
				return err
			}
			data, err := l.svc.Summary(ctx, f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	filterFlags(cmd)
	return cmd
}

func newExtremesCmd(a *app) *cobra.Command {
	var (
		metric     string
		method     string
		k          float64
		percentile float64
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "extremes",
		Short: "List observations flagged as extreme for a metric",
		Example: `  climatescope extremes -i weather.csv --metric temperature_celsius --method iqr --k 1.5
  climatescope extremes -i weather.csv --metric precip_mm --method percentile --percentile 99`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := analysis.ParseMethod(strings.ToLower(strings.TrimSpace(method)))
			if err != nil {
				return err
			}
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}
			f, err := parseFilter(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout)
			defer cancel()
			l, err := a.load(ctx)
			if err != nil {
				return err
			}
			data, err := l.svc.Extremes(ctx, f, service.ExtremeQuery{
				Metric:         metric,
				ExtremeOptions: analysis.ExtremeOptions{Method: m, K: k, Percentile: percentile},
				Limit:          limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVarP(&metric, "metric", "m", "", "numeric column to inspect")
	cmd.Flags().StringVar(&method, "method", "zscore", "zscore, iqr or percentile")
	cmd.Flags().Float64Var(&k, "k", 0, "threshold multiplier (0 = method default)")
	cmd.Flags().Float64Var(&percentile, "percentile", 0, "percentile cut-off for the percentile method")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to print")
	_ = cmd.MarkFlagRequired("metric")
	filterFlags(cmd)
	return cmd
}

func newMonthlyCmd(a *app) *cobra.Command {
	var metric string
	cmd := &cobra.Command{
		Use:   "monthly",
		Short: "Print the monthly mean series of a metric",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseFilter(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout)
			defer cancel()
			l, err := a.load(ctx)
			if err != nil {
				return err
			}
			data, err := l.svc.Monthly(ctx, f, metric)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVarP(&metric, "metric", "m", "", "numeric column to average")
	_ = cmd.MarkFlagRequired("metric")
	filterFlags(cmd)
	return cmd
}

func newResampleCmd(a *app) *cobra.Command {
	var (
		out     string
		groupBy []string
	)
	cmd := &cobra.Command{
		Use:   "resample",
		Short: "Write calendar-month means of every numeric column as CSV",
		Long: `resample loads the input (cleaned unless --no-clean), applies the filters and
averages every numeric column per calendar month, optionally per --group-by column.
Each output row carries the month and the number of source observations.`,
		Example: `  climatescope resample -i weather.csv --group-by country -o monthly.csv`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseFilter(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout)
			defer cancel()
			l, err := a.load(ctx)
			if err != nil {
				return err
			}
			snap, err := l.store.Current()
			if err != nil {
				return err
			}
			filtered, err := f.Apply(snap.Frame)
			if err != nil {
				return err
			}
			monthly, err := cleaning.Monthly(filtered, groupBy)
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				return dataset.WriteCSV(cmd.OutOrStdout(), monthly)
			}
			file, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			if err := dataset.WriteCSV(file, monthly); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out, err)
			}
			a.logger.Info("monthly resample written", zap.String("path", out), zap.Int("rows", monthly.Len()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", `write the resampled CSV to this path ("-" for stdout)`)
	cmd.Flags().StringSliceVar(&groupBy, "group-by", nil, "categorical columns to split buckets by (e.g. country)")
	filterFlags(cmd)
	return cmd
}
