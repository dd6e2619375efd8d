// Copyright (c) 2024-2025 Lux Partners Limited
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/luxfi/autosched/autoschedule"
	"github.com/luxfi/autosched/dag"
	"github.com/luxfi/autosched/envconfig"
	"github.com/luxfi/autosched/logutil"
	"github.com/luxfi/autosched/pipeline"
	"github.com/luxfi/autosched/schedule"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "autosched",
		Short:         "Stencil pipeline autoscheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule PIPELINE",
		Short: "Schedule every stage of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  ScheduleHandler,
	}
	addOptionFlags(scheduleCmd.Flags())
	scheduleCmd.Flags().StringToInt64("param", nil, "Parameter estimate, overrides the file (e.g. --param N=1024)")
	scheduleCmd.Flags().Bool("steps", false, "Show the loop transformation steps")

	inlineCmd := &cobra.Command{
		Use:   "inline PIPELINE",
		Short: "Show the stages removed by inlining",
		Args:  cobra.ExactArgs(1),
		RunE:  InlineHandler,
	}

	orderCmd := &cobra.Command{
		Use:   "order PIPELINE",
		Short: "Show the realization order after inlining",
		Args:  cobra.ExactArgs(1),
		RunE:  OrderHandler,
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	envVars := envconfig.AsMap()
	envs := make([]envconfig.EnvVar, 0, len(envVars))
	for _, k := range sortedKeys(envVars) {
		envs = append(envs, envVars[k])
	}
	appendEnvDocs(scheduleCmd, envs)

	rootCmd.AddCommand(scheduleCmd, inlineCmd, orderCmd, envCmd)
	return rootCmd
}

func addOptionFlags(fs *pflag.FlagSet) {
	fs.Bool("gpu", false, "Schedule for GPU execution")
	fs.Int("cpu-tile-width", envconfig.DefaultTileWidth, "Host tile width")
	fs.Int("cpu-tile-height", envconfig.DefaultTileHeight, "Host tile height")
	fs.Int("gpu-tile-width", envconfig.DefaultTileWidth, "Device tile width")
	fs.Int("gpu-tile-height", envconfig.DefaultTileHeight, "Device tile height")
	fs.Int("gpu-tile-channel", envconfig.DefaultGPUTileChannel, "Device tile depth of fused channel axes")
	fs.Int("unroll-rvar-size", 0, "Unroll reduction variables up to this extent")
}

// resolveOptions layers the environment, the pipeline file and the flags
// that were set explicitly, in that order.
func resolveOptions(fs *pflag.FlagSet, file *pipeline.OptionsSpec) (autoschedule.Options, error) {
	opts := file.Overlay(autoschedule.EnvOptions())

	if fs.Changed("gpu") {
		v, err := fs.GetBool("gpu")
		if err != nil {
			return opts, err
		}
		opts.GPU = v
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"cpu-tile-width", &opts.CPUTileWidth},
		{"cpu-tile-height", &opts.CPUTileHeight},
		{"gpu-tile-width", &opts.GPUTileWidth},
		{"gpu-tile-height", &opts.GPUTileHeight},
		{"gpu-tile-channel", &opts.GPUTileChannel},
		{"unroll-rvar-size", &opts.UnrollRVarSize},
	} {
		if !fs.Changed(f.name) {
			continue
		}
		v, err := fs.GetInt(f.name)
		if err != nil {
			return opts, err
		}
		*f.dst = v
	}
	return opts, opts.Validate()
}

// ScheduleHandler schedules a pipeline file and prints one row per stage.
func ScheduleHandler(cmd *cobra.Command, args []string) error {
	p, err := pipeline.LoadFile(args[0])
	if err != nil {
		return err
	}
	opts, err := resolveOptions(cmd.Flags(), p.Options)
	if err != nil {
		return err
	}
	overrides, err := cmd.Flags().GetStringToInt64("param")
	if err != nil {
		return err
	}
	for k, v := range overrides {
		p.Params[k] = v
	}

	rec := schedule.NewRecorder()
	res, err := autoschedule.Schedule(cmd.Context(), p.Graph, p.Params, p.Regions, rec,
		autoschedule.WithOptions(opts),
		autoschedule.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}

	steps, _ := cmd.Flags().GetBool("steps")
	w := cmd.OutOrStdout()
	renderTable(w, []string{"STAGE", "DEFINITION", "DIRECTIVE", "REDUCTION"}, scheduleRows(rec.Schedules(), res.Bounds))
	if steps {
		fmt.Fprintln(w)
		renderTable(w, []string{"DEFINITION", "STEPS"}, stepRows(rec.Schedules()))
	}
	fmt.Fprintf(w, "\n%d stages, %d inlined, %d parallel, %d kernels, %d factorized, %d race-tolerant\n",
		res.Stats.Stages, res.Stats.Inlined, res.Stats.Parallel, res.Stats.Kernels, res.Stats.Factorized, res.Stats.Races)
	return nil
}

func scheduleRows(ss []*schedule.StageSchedule, bounds autoschedule.Bounds) [][]string {
	var data [][]string
	for _, s := range ss {
		stage := s.Stage
		if rs, ok := bounds[s.Stage]; ok {
			parts := make([]string, len(rs))
			for i, r := range rs {
				parts[i] = r.String()
			}
			stage += " " + strings.Join(parts, " ")
		}
		data = append(data, []string{stage, "pure", s.Directive.String(), ""})
		for _, u := range s.Updates {
			red := ""
			if u.Reduction != nil {
				red = u.Reduction.String()
			}
			if len(u.Unrolled) > 0 {
				red = strings.TrimSpace(red + " unroll " + strings.Join(u.Unrolled, ","))
			}
			data = append(data, []string{"", "update(" + strconv.Itoa(u.Index) + ")", u.Directive.String(), red})
		}
	}
	return data
}

func stepRows(ss []*schedule.StageSchedule) [][]string {
	var data [][]string
	add := func(def string, steps []schedule.Step) {
		for i, st := range steps {
			if i > 0 {
				def = ""
			}
			data = append(data, []string{def, st.String()})
		}
	}
	for _, s := range ss {
		add(s.Stage, s.Steps)
		for _, u := range s.Updates {
			add(fmt.Sprintf("%s.update(%d)", s.Stage, u.Index), u.Steps)
			if in := u.Intermediate; in != nil {
				add(in.Name, in.PureSteps)
				add(in.Name+".update(0)", in.UpdateSteps)
			}
		}
	}
	return data
}

// InlineHandler prints each inlined stage with the stages that absorbed it.
func InlineHandler(cmd *cobra.Command, args []string) error {
	p, err := pipeline.LoadFile(args[0])
	if err != nil {
		return err
	}
	_, inlined, err := dag.Stabilize(p.Graph, dag.NewDefaultCostModel())
	if err != nil {
		return err
	}

	data := make([][]string, 0, len(inlined))
	for _, in := range inlined {
		data = append(data, []string{in.Stage, strings.Join(in.Into, ", ")})
	}
	renderTable(cmd.OutOrStdout(), []string{"STAGE", "INLINED INTO"}, data)
	return nil
}

// OrderHandler prints the realization order of the stages left after
// inlining.
func OrderHandler(cmd *cobra.Command, args []string) error {
	p, err := pipeline.LoadFile(args[0])
	if err != nil {
		return err
	}
	g, _, err := dag.Stabilize(p.Graph, dag.NewDefaultCostModel())
	if err != nil {
		return err
	}
	order, err := g.RealizationOrder()
	if err != nil {
		return err
	}
	levels, err := g.Levels()
	if err != nil {
		return err
	}
	depth := make(map[string]int, len(order))
	for _, l := range levels {
		for _, name := range l.Stages {
			depth[name] = l.Depth
		}
	}
	critical, err := g.CriticalPath()
	if err != nil {
		return err
	}

	data := make([][]string, len(order))
	for i, name := range order {
		kind := ""
		if g.IsOutput(name) {
			kind = "output"
		}
		data[i] = []string{strconv.Itoa(i), name, strconv.Itoa(depth[name]), kind}
	}
	w := cmd.OutOrStdout()
	renderTable(w, []string{"#", "STAGE", "LEVEL", ""}, data)
	fmt.Fprintf(w, "\ncritical path: %s\n", strings.Join(critical, " -> "))
	return nil
}

// EnvHandler prints every AUTOSCHED_* variable with its current value.
func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	data := make([][]string, 0, len(vars))
	for _, k := range sortedKeys(vars) {
		data = append(data, []string{k, fmt.Sprintf("%v", vars[k].Value), vars[k].Description})
	}
	renderTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"}, data)
	return nil
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
