package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"tsar/baseline"
	"tsar/evaluate"
	"tsar/internal/config"
	"tsar/internal/errors"
	"tsar/internal/logging"
	"tsar/model"
	"tsar/series"
)

// options collects the flags shared by every command. Flags left unset
// fall back to the environment configuration.
type options struct {
	envFile  string
	logLevel string
	sheet    string
	out      string

	pastLag        int
	futureLag      int
	rank           int
	lambda         float64
	ratio          float64
	rounds         int
	estimator      string
	denoise        bool
	fullCovariance bool
	workers        int
	maxGroups      int
	budget         string
	blocks         string
	ignore         []string
	weights        map[string]string
	available      map[string]int
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "tsar",
		Short:         "Low-rank plus block-diagonal autoregressive models for multivariate time series",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.envFile, "env", ".env", "Optional env file with TSAR_* settings")
	f.StringVar(&opts.logLevel, "log-level", "", "ERROR, WARN, INFO or DEBUG (default from LOG_LEVEL)")
	f.StringVar(&opts.sheet, "sheet", "", "Sheet to read from an .xlsx input (default first sheet)")
	f.StringVarP(&opts.out, "out", "o", "", "Write results to this CSV file instead of stdout")
	f.IntVar(&opts.pastLag, "past-lag", 0, "Observed lags per window")
	f.IntVar(&opts.futureLag, "future-lag", 0, "Forecast steps per window")
	f.IntVar(&opts.rank, "rank", 0, "Rank of the shared factor, negative to tune")
	f.Float64Var(&opts.lambda, "lambda", 0, "Quadratic regularization, negative to tune")
	f.Float64Var(&opts.ratio, "ratio", 0, "Share of rows used for training during tuning")
	f.IntVar(&opts.rounds, "rounds", 0, "Greedy grid search refinement rounds")
	f.StringVar(&opts.estimator, "estimator", "", "Factor estimator: svd or eigen")
	f.BoolVar(&opts.denoise, "denoise", false, "Shrink singular values by the discarded noise level")
	f.BoolVar(&opts.fullCovariance, "full-covariance", false, "One dense block over all variables, no factor")
	f.IntVar(&opts.workers, "workers", 0, "Parallel workers")
	f.IntVar(&opts.maxGroups, "max-groups", 0, "Cap on missingness patterns per query, 0 for none")
	f.StringVar(&opts.budget, "budget", "", "Wall-clock budget for tuning, e.g. 2m")
	f.StringVar(&opts.blocks, "blocks", "", "Variables sharing a dense block, e.g. \"a,b;c,d\"")
	f.StringSliceVar(&opts.ignore, "ignore", nil, "Columns excluded from the tuning objective")
	f.StringToStringVar(&opts.weights, "weights", nil, "Column weights for factor estimation, e.g. a=2,b=0.5")
	f.StringToIntVar(&opts.available, "available", nil, "Shift of the last observed lag per column, e.g. a=-1")

	root.AddCommand(
		newFitCmd(opts),
		newForecastCmd(opts),
		newImputeCmd(opts),
		newAnomalyCmd(opts),
	)
	return root
}

// setup loads configuration, applies flag overrides, reads the table and
// fits the model.
func setup(cmd *cobra.Command, opts *options, path string) (*model.Model, *series.Table, *zap.Logger, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, nil, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build logger: %w", err)
	}

	m := &cfg.Model
	if flags.Changed("past-lag") {
		m.PastLag = opts.pastLag
	}
	if flags.Changed("future-lag") {
		m.FutureLag = opts.futureLag
	}
	if flags.Changed("rank") {
		m.Rank = opts.rank
	}
	if flags.Changed("lambda") {
		m.Lambda = opts.lambda
	}
	if flags.Changed("ratio") {
		m.TrainTestRatio = opts.ratio
	}
	if flags.Changed("rounds") {
		m.RefinementRounds = opts.rounds
	}
	if flags.Changed("estimator") {
		m.Estimator = strings.ToLower(opts.estimator)
	}
	if flags.Changed("denoise") {
		m.Denoise = opts.denoise
	}
	if flags.Changed("full-covariance") {
		m.FullCovariance = opts.fullCovariance
	}
	if flags.Changed("workers") {
		cfg.Runtime.Workers = opts.workers
	}
	if flags.Changed("max-groups") {
		cfg.Runtime.MaxGroups = opts.maxGroups
	}
	if flags.Changed("budget") {
		if cfg.Runtime.TuneBudget, err = time.ParseDuration(opts.budget); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	fitCfg, err := model.FromConfig(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	fitCfg.Blocks = parseBlocks(opts.blocks)
	fitCfg.Ignore = opts.ignore
	fitCfg.Available = opts.available
	if fitCfg.Weights, err = parseWeights(opts.weights); err != nil {
		return nil, nil, nil, err
	}
	fitCfg.Logger = logger

	table, err := readTable(path, opts.sheet)
	if err != nil {
		return nil, nil, nil, err
	}
	fitted, err := model.Fit(cmd.Context(), table, fitCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return fitted, table, logger, nil
}

func readTable(path, sheet string) (*series.Table, error) {
	if sheet != "" {
		return series.ReadXLSX(path, sheet)
	}
	return series.Read(path)
}

// output writes t to the --out file or to w.
func output(w io.Writer, opts *options, t *series.Table) error {
	if opts.out != "" {
		return series.WriteCSV(opts.out, t)
	}
	return series.Write(w, t)
}

func newFitCmd(opts *options) *cobra.Command {
	var withBaseline bool
	cmd := &cobra.Command{
		Use:   "fit <data.csv|data.xlsx>",
		Short: "Fit the model and print diagnostics and held-out RMSE",
		Long: `Fit the model on a table whose header names the variables. Rank and
lambda left negative are tuned by greedy grid search on a chronological
train/test split; the model is then refit on the whole table.

Example: tsar fit flu.csv --past-lag 4 --future-lag 2 --baseline`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, table, logger, err := setup(cmd, opts, args[0])
			if err != nil {
				return err
			}
			defer logger.Sync()

			w := cmd.OutOrStdout()
			printSummary(w, m)
			if m.Diagnostics.Holdout != nil {
				fmt.Fprintln(w, "\nHeld-out RMSE (normalized units):")
				printRMSE(w, m.Diagnostics.Holdout.Columns, m.Diagnostics.Holdout.Values)
			}
			if withBaseline {
				return printBaseline(w, m, table)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withBaseline, "baseline", false, "Also fit an OLS VAR(past-lag) on the same split and print its RMSE")
	return cmd
}

func newForecastCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "forecast <data.csv|data.xlsx>",
		Short: "Forecast the next future-lag rows after the end of the table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, table, logger, err := setup(cmd, opts, args[0])
			if err != nil {
				return err
			}
			defer logger.Sync()

			fc, err := m.Forecast(cmd.Context(), table)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts, fc)
		},
	}
}

func newImputeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "impute <data.csv|data.xlsx>",
		Short: "Fill the missing cells of the table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, table, logger, err := setup(cmd, opts, args[0])
			if err != nil {
				return err
			}
			defer logger.Sync()

			filled, rep, err := m.Impute(cmd.Context(), table)
			if err != nil {
				return err
			}
			if rep.Incomplete() {
				logger.Warn("some windows were not imputed",
					zap.Int("windows", rep.Rows), zap.Int("processed", rep.Processed))
			}
			return output(cmd.OutOrStdout(), opts, filled)
		},
	}
}

func newAnomalyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "anomaly <data.csv|data.xlsx>",
		Short: "Score every window of the table under the fitted model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, table, logger, err := setup(cmd, opts, args[0])
			if err != nil {
				return err
			}
			defer logger.Sync()

			scores, _, err := m.AnomalyScores(cmd.Context(), table)
			if err != nil {
				return err
			}
			out := mat.NewDense(len(scores), 2, nil)
			for i, s := range scores {
				out.Set(i, 0, table.Time[i])
				out.Set(i, 1, s)
			}
			return output(cmd.OutOrStdout(), opts, &series.Table{
				Y:        out,
				Time:     append([]float64(nil), table.Time[:len(scores)]...),
				VarNames: []string{"window_start", "score"},
			})
		},
	}
}

func printSummary(w io.Writer, m *model.Model) {
	d := m.Diagnostics
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", m.RunID)
	fmt.Fprintf(tw, "columns\t%s\n", strings.Join(m.Columns, ", "))
	fmt.Fprintf(tw, "lags\tpast %d, future %d\n", m.PastLag, m.FutureLag)
	fmt.Fprintf(tw, "rank\t%d\n", m.Rank)
	fmt.Fprintf(tw, "lambda\t%.6g\n", m.Lambda)
	if len(d.Trials) > 0 {
		stopped := ""
		if d.TuningStopped {
			stopped = " (budget exhausted)"
		}
		fmt.Fprintf(tw, "trials\t%d%s\n", len(d.Trials), stopped)
	}
	if d.Holdout != nil {
		fmt.Fprintf(tw, "objective\t%.6g\n", d.Holdout.Objective())
	}
	if len(d.Degenerate) > 0 {
		fmt.Fprintf(tw, "constant columns\t%s\n", strings.Join(d.Degenerate, ", "))
	}
	if d.Fallbacks > 0 {
		fmt.Fprintf(tw, "covariance fallbacks\t%d\n", d.Fallbacks)
	}
	if d.Nuggets > 0 {
		fmt.Fprintf(tw, "regularized inversions\t%d\n", d.Nuggets)
	}
	tw.Flush()
}

func printRMSE(w io.Writer, cols []string, values mat.Matrix) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "step\t%s\t\n", strings.Join(cols, "\t"))
	steps, n := values.Dims()
	for s := 0; s < steps; s++ {
		fmt.Fprintf(tw, "%d", s+1)
		for j := 0; j < n; j++ {
			fmt.Fprintf(tw, "\t%.4f", values.At(s, j))
		}
		fmt.Fprintln(tw, "\t")
	}
	tw.Flush()
}

// printBaseline fits an OLS VAR on the same normalized training split the
// model was scored on and prints its held-out RMSE.
func printBaseline(w io.Writer, m *model.Model, table *series.Table) error {
	ordered, err := table.Select(m.Columns)
	if err != nil {
		return err
	}
	norm, err := m.Scaler.Transform(ordered)
	if err != nil {
		return err
	}
	train, test, err := norm.Split(m.Config().Ratio)
	if err != nil {
		return err
	}
	lags := max(m.PastLag, 1)
	v, err := (&baseline.OLSEstimator{}).Estimate(train, baseline.ModelSpec{Lags: lags, Deterministic: baseline.DetConst})
	if err != nil {
		return err
	}
	trainRows, _ := train.Dims()
	rmse, err := v.HoldoutRMSE(test.Y, trainRows, m.FutureLag)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nOLS VAR(%d) held-out RMSE (normalized units):\n", lags)
	printRMSE(w, m.Columns, rmse)
	if m.Diagnostics.Holdout != nil {
		fmt.Fprintf(w, "objective\tmodel %.6g\tVAR %.6g\n",
			m.Diagnostics.Holdout.Objective(), objective(m.Diagnostics.Holdout, rmse))
	}
	return nil
}

// objective sums the baseline table over the columns the model's objective
// counts.
func objective(ref *evaluate.RMSETable, values *mat.Dense) float64 {
	other := &evaluate.RMSETable{Columns: ref.Columns, Ignored: ref.Ignored, Values: values}
	return other.Objective()
}

func parseBlocks(s string) [][]string {
	var out [][]string
	for _, group := range strings.Split(s, ";") {
		var names []string
		for _, n := range strings.Split(group, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		if len(names) > 0 {
			out = append(out, names)
		}
	}
	return out
}

func parseWeights(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		w, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, errors.ConfigInvalid(fmt.Sprintf("weight of %q: %v", name, err))
		}
		out[strings.TrimSpace(name)] = w
	}
	return out, nil
}
