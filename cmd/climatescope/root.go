package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kjstillabower/climatescope/internal/cache"
	"github.com/kjstillabower/climatescope/internal/cleaning"
	"github.com/kjstillabower/climatescope/internal/dataset"
	"github.com/kjstillabower/climatescope/internal/models"
	"github.com/kjstillabower/climatescope/internal/observability"
	"github.com/kjstillabower/climatescope/internal/query"
	"github.com/kjstillabower/climatescope/internal/service"
	"github.com/kjstillabower/climatescope/internal/source"
	"github.com/kjstillabower/climatescope/internal/store"
)

// settings are resolved by viper. Precedence: flags > CLIMATESCOPE_* env > config file > flag defaults.
type settings struct {
	Input     string        `mapstructure:"input"`
	Delimiter string        `mapstructure:"delimiter"`
	MaxRows   int           `mapstructure:"max-rows"`
	NoClean   bool          `mapstructure:"no-clean"`
	Verbose   bool          `mapstructure:"verbose"`
	Timeout   time.Duration `mapstructure:"timeout"`
	PGURL     string        `mapstructure:"pg-url"`
	PGTable   string        `mapstructure:"pg-table"`
}

type app struct {
	v      *viper.Viper
	cfg    settings
	logger *zap.Logger
}

// loaded is a dataset installed into a throwaway service for one command.
type loaded struct {
	svc   *service.ClimateService
	store *store.Store
	info  models.DatasetResponse
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "climatescope",
		Short: "Clean and analyse global weather CSV datasets",
		Long: `climatescope loads a weather CSV from a path or URL, runs the cleaning pipeline
and prints summaries, monthly series and extreme observations as JSON.`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.init(cmd) },
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml)")
	pf.StringP("input", "i", "", "dataset path or http(s) URL")
	pf.String("delimiter", ",", `CSV field delimiter (use \t for tab)`)
	pf.Int("max-rows", 0, "read at most this many rows (0 = all)")
	pf.Bool("no-clean", false, "skip the cleaning pipeline")
	pf.BoolP("verbose", "v", false, "debug logging")
	pf.Duration("timeout", 2*time.Minute, "overall time limit")

	root.AddCommand(newCleanCmd(a), newSummaryCmd(a), newExtremesCmd(a), newMonthlyCmd(a), newResampleCmd(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	a.v.SetEnvPrefix("CLIMATESCOPE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if err := a.v.Unmarshal(&a.cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if a.cfg.Input == "" {
		return errors.New("--input is required (or CLIMATESCOPE_INPUT)")
	}
	if a.cfg.Timeout <= 0 {
		a.cfg.Timeout = 2 * time.Minute
	}

	logger, err := observability.NewCLILogger(a.cfg.Verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.logger = logger
	return nil
}

func (a *app) delimiter() rune {
	d := a.cfg.Delimiter
	if d == `\t` {
		return '\t'
	}
	if d == "" {
		return ','
	}
	return []rune(d)[0]
}

// load reads the input and installs it, cleaned unless --no-clean.
func (a *app) load(ctx context.Context) (*loaded, error) {
	cfg := service.Config{Load: dataset.LoadOptions{Delimiter: a.delimiter(), MaxRows: a.cfg.MaxRows}}
	if !a.cfg.NoClean {
		opts := cleaning.DefaultOptions()
		cfg.Clean = &opts
	}
	st := store.New()
	svc := service.NewClimateService(st, cache.NewInMemoryCache(0), cfg)

	a.logger.Debug("loading dataset", zap.String("input", a.cfg.Input))
	fr, err := source.New(source.DefaultOptions()).Load(ctx, a.cfg.Input, cfg.Load)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", a.cfg.Input, err)
	}
	ctx = context.WithValue(ctx, "logger", a.logger)
	info, err := svc.Install(ctx, fr, a.cfg.Input, "cli")
	if err != nil {
		return nil, err
	}
	return &loaded{svc: svc, store: st, info: info}, nil
}

// filterFlags registers the row filter shared by the analysis commands.
func filterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSlice("country", nil, "keep only these countries")
	f.StringSlice("location", nil, "keep only these locations")
	f.String("from", "", "first day to keep (YYYY-MM-DD)")
	f.String("to", "", "last day to keep, inclusive (YYYY-MM-DD)")
	f.StringArray("range", nil, "numeric bound column:min:max (either side may be empty)")
}

// parseFilter maps the filter flags onto the HTTP query syntax so both surfaces validate alike.
func parseFilter(cmd *cobra.Command) (query.Filter, error) {
	f := cmd.Flags()
	v := url.Values{}
	countries, _ := f.GetStringSlice("country")
	locations, _ := f.GetStringSlice("location")
	ranges, _ := f.GetStringArray("range")
	from, _ := f.GetString("from")
	to, _ := f.GetString("to")
	v["country"] = countries
	v["location"] = locations
	v["range"] = ranges
	if from != "" {
		v.Set("from", from)
	}
	if to != "" {
		v.Set("to", to)
	}
	return query.Parse(v, query.Limits{MinNameLen: 1, MaxNameLen: 100})
}

// printJSON indents raw JSON onto w.
func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func printValue(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return printJSON(w, raw)
}
