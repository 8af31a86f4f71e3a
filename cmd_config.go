package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"loadengine/internal/analysis"
	"loadengine/internal/calcconfig"
)

var (
	configOwner int64

	setRestingHR   float64
	setMaxHR       float64
	setBoundaries  []float64
	setCoefficient float64
	setExponent    float64
	setElevation   float64
	setRatios      map[string]string
	setAcuteDays   float64
	setChronicDays float64
	setStrategy    string
	setAlgorithm   int
	setRun         bool
)

// configCmd is the parent command for calculation configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change an owner's calculation configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active configuration of an owner",
	RunE:  withApp(runConfigShow),
}

var configHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List every configuration version of an owner",
	RunE:  withApp(runConfigHistory),
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create a new configuration version and enqueue its recalculation",
	Long: `Create a new immutable configuration version from the active one with the
given changes, and enqueue the recalculation job that activates it. Live metrics
keep the current version until the job completes.

Examples:
  loadengine config set --owner 7 --max-hr 188 --zones 132,146,160,172
  loadengine config set --owner 7 --ratio ride=0.3 --run
  loadengine config set --owner 7 --algorithm 2`,
}

func init() {
	configSetCmd.RunE = withApp(runConfigSet)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configHistoryCmd, configSetCmd)
	configCmd.PersistentFlags().Int64Var(&configOwner, "owner", 0, "Owner id")
	_ = configCmd.MarkPersistentFlagRequired("owner")

	f := configSetCmd.Flags()
	f.Float64Var(&setRestingHR, "resting-hr", 0, "Resting heart rate (bpm)")
	f.Float64Var(&setMaxHR, "max-hr", 0, "Maximum heart rate (bpm)")
	f.Float64SliceVar(&setBoundaries, "zones", nil, "Zone boundaries, strictly increasing (bpm)")
	f.Float64Var(&setCoefficient, "coefficient", 0, "Impulse weighting coefficient")
	f.Float64Var(&setExponent, "exponent", 0, "Impulse weighting exponent")
	f.Float64Var(&setElevation, "elevation-factor", 0, "Horizontal metres credited per metre climbed")
	f.StringToStringVar(&setRatios, "ratio", nil, "Discipline distance ratio, e.g. ride=0.25")
	f.Float64Var(&setAcuteDays, "acute-days", 0, "Acute window in days")
	f.Float64Var(&setChronicDays, "chronic-days", 0, "Chronic window in days")
	f.StringVar(&setStrategy, "strategy", "", "Ratio strategy: flat or decay")
	f.IntVar(&setAlgorithm, "algorithm", 0, "Calculation algorithm version")
	f.BoolVar(&setRun, "run", false, "Run the recalculation now instead of leaving it pending")
}

func runConfigShow(ctx context.Context, a *app) error {
	cfg, err := a.configs.Active(ctx, configOwner)
	if err != nil {
		return err
	}

	fmt.Printf("# owner %d, version %d, effective %s\n", cfg.OwnerID, cfg.Version, humanize.Time(cfg.EffectiveAt))
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg.Params)
}

func runConfigHistory(ctx context.Context, a *app) error {
	history, err := a.configs.History(ctx, configOwner)
	if err != nil {
		return err
	}
	active, err := a.configs.Active(ctx, configOwner)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tALGORITHM\tSTRATEGY\tZONES\tCREATED\tSTATE")
	for _, c := range history {
		state := ""
		switch {
		case c.Version == active.Version:
			state = "active"
		case c.RolledBackAt != nil:
			state = "rolled back"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
			c.Version, c.Params.AlgorithmVersion, c.Params.RatioStrategy,
			formatZones(c.Params.Zones), humanize.Time(c.EffectiveAt), state)
	}
	return w.Flush()
}

func runConfigSet(ctx context.Context, a *app) error {
	active, err := a.configs.EnsureOwner(ctx, configOwner)
	if err != nil {
		return err
	}

	change, err := changeFromFlags(configSetCmd, active.Params)
	if err != nil {
		return err
	}

	cfg, job, err := a.configs.RequestChange(ctx, configOwner, change)
	if err != nil {
		return err
	}
	fmt.Printf("Created configuration version %d; recalculation job %s is %s\n", cfg.Version, job.ID, job.Status)

	if !setRun {
		fmt.Println("Run it with 'loadengine recalc run " + job.ID + "' or 'loadengine serve'")
		return nil
	}
	if err := a.engine.Run(ctx, job.ID); err != nil {
		return err
	}
	fmt.Printf("Version %d is now active\n", cfg.Version)
	return nil
}

// changeFromFlags builds a change from the flags the user set. Partial zone,
// impulse and decay edits start from the active values.
func changeFromFlags(cmd *cobra.Command, active analysis.Params) (calcconfig.Change, error) {
	f := cmd.Flags()
	var change calcconfig.Change

	if f.Changed("resting-hr") || f.Changed("max-hr") || f.Changed("zones") {
		z := analysis.Zones{
			RestingHR:  active.Zones.RestingHR,
			MaxHR:      active.Zones.MaxHR,
			Boundaries: active.Zones.Boundaries,
		}
		if f.Changed("resting-hr") {
			z.RestingHR = setRestingHR
		}
		if f.Changed("max-hr") {
			z.MaxHR = setMaxHR
		}
		if f.Changed("zones") {
			z.Boundaries = setBoundaries
		}
		change.Zones = &z
	}

	if f.Changed("coefficient") || f.Changed("exponent") {
		m := active.Impulse
		if f.Changed("coefficient") {
			m.Coefficient = setCoefficient
		}
		if f.Changed("exponent") {
			m.Exponent = setExponent
		}
		change.Impulse = &m
	}

	if f.Changed("elevation-factor") || f.Changed("ratio") {
		eq := calcconfig.EquivalencyChange{Ratios: make(map[string]float64)}
		if f.Changed("elevation-factor") {
			eq.ElevationFactor = &setElevation
		}
		for name, v := range setRatios {
			r, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return change, fmt.Errorf("ratio %s: %w", name, err)
			}
			eq.Ratios[strings.ToLower(name)] = r
		}
		change.Equivalency = &eq
	}

	if f.Changed("acute-days") || f.Changed("chronic-days") {
		d := active.Decay
		if f.Changed("acute-days") {
			d.AcuteDays = setAcuteDays
		}
		if f.Changed("chronic-days") {
			d.ChronicDays = setChronicDays
		}
		change.Decay = &d
	}

	if f.Changed("strategy") {
		s := analysis.RatioStrategy(setStrategy)
		change.RatioStrategy = &s
	}
	if f.Changed("algorithm") {
		change.AlgorithmVersion = &setAlgorithm
	}

	return change, nil
}

func formatZones(z analysis.Zones) string {
	parts := make([]string, 0, len(z.Boundaries)+2)
	parts = append(parts, strconv.FormatFloat(z.RestingHR, 'f', -1, 64))
	for _, b := range z.Boundaries {
		parts = append(parts, strconv.FormatFloat(b, 'f', -1, 64))
	}
	parts = append(parts, strconv.FormatFloat(z.MaxHR, 'f', -1, 64))
	return strings.Join(parts, "/")
}
