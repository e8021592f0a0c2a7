// Package main implements the specpipe CLI: run a spec through the stage
// pipeline, run a single stage, query status, abort a run, and clear a
// human escalation.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specpipe/internal/agentexec"
	"github.com/fyrsmithlabs/specpipe/internal/config"
	"github.com/fyrsmithlabs/specpipe/internal/evidence"
	"github.com/fyrsmithlabs/specpipe/internal/logging"
	"github.com/fyrsmithlabs/specpipe/internal/pipeline"
	"github.com/fyrsmithlabs/specpipe/internal/policy"
	"github.com/fyrsmithlabs/specpipe/internal/registry"
	"github.com/fyrsmithlabs/specpipe/internal/telemetry"
)

// Exit codes. Infrastructure errors (exit 3) are distinct from a policy
// escalation (exit 2): "the plan was risky" is not "the system lost data".
const (
	exitOK       = 0
	exitDegraded = 1
	exitEscalate = 2
	exitInfra    = 3
)

var (
	configPath  string
	localOnly   bool
	abortReason string
	clearNote   string
	version     = "dev"

	// exitCode carries the policy outcome; infrastructure errors flow
	// through RunE instead.
	exitCode = exitOK
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "specpipe: %v\n", err)
		os.Exit(exitInfra)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "specpipe",
	Short: "Multi-stage agent pipeline orchestration",
	Long: `specpipe drives a spec through the stage pipeline
(specify, plan, tasks, implement, validate, audit, unlock), dispatching
workers per stage and gating every transition on a deterministic verdict.

Exit codes: 0 completed, 1 completed degraded, 2 escalated awaiting human,
3 infrastructure error.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to specpipe.yaml")

	runCmd.Flags().BoolVar(&localOnly, "local-only", false, "force offline-capable workers (Judge excepted)")
	stageCmd.Flags().BoolVar(&localOnly, "local-only", false, "force offline-capable workers (Judge excepted)")
	abortCmd.Flags().StringVar(&abortReason, "reason", "operator abort", "reason recorded in evidence")
	clearCmd.Flags().StringVar(&clearNote, "note", "", "review note recorded in evidence")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(clearCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <spec-id>",
	Short: "Run the pipeline from the current stage to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var stageCmd = &cobra.Command{
	Use:   "stage <spec-id> <stage>",
	Short: "Run a single stage to its resolution",
	Args:  cobra.ExactArgs(2),
	RunE:  runStage,
}

var statusCmd = &cobra.Command{
	Use:   "status <spec-id>",
	Short: "Show per-stage evidence and verdicts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var abortCmd = &cobra.Command{
	Use:   "abort <spec-id>",
	Short: "Abort the run and write a terminal evidence record",
	Args:  cobra.ExactArgs(1),
	RunE:  runAbort,
}

var clearCmd = &cobra.Command{
	Use:   "clear <spec-id>",
	Short: "Clear a human escalation so the stage can be re-attempted",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

// env bundles everything a command needs.
type env struct {
	cfg *config.Config
	log *logging.Logger
	ev  *evidence.Store
	reg *registry.Store
	tel *telemetry.Telemetry
}

func setup() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, err
	}
	ev, err := evidence.NewStore(cfg.Evidence.BaseDir, evidence.WithLogger(log))
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.New(context.Background(), &cfg.Telemetry)
	if err != nil {
		reg.Close()
		return nil, err
	}
	if tel.Degraded() {
		log.Warn(context.Background(), "telemetry export degraded; meters stay no-op")
	}
	return &env{cfg: cfg, log: log, ev: ev, reg: reg, tel: tel}, nil
}

func (e *env) close() {
	_ = e.tel.Shutdown(context.Background())
	e.reg.Close()
	_ = e.log.Sync()
}

func (e *env) newPipeline() (*pipeline.Pipeline, error) {
	backend, err := agentexec.New(agentexec.Config{
		Command: e.cfg.Worker.Command,
		Args:    e.cfg.Worker.Args,
		WorkDir: e.cfg.Worker.WorkDir,
	}, agentexec.WithLogger(e.log))
	if err != nil {
		return nil, fmt.Errorf("worker backend: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(e.log),
		pipeline.WithSink(stderrSink{}),
	}
	if localOnly {
		opts = append(opts, pipeline.WithLocalOnly())
	}
	return pipeline.New(e.cfg, backend, e.reg, e.ev, opts...)
}

func runRun(cmd *cobra.Command, args []string) error {
	specID := args[0]
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	point, err := resumePoint(e.ev, specID)
	if err != nil {
		return err
	}
	switch point.kind {
	case resumeAborted:
		return fmt.Errorf("run %s was aborted; evidence is terminal", specID)
	case resumeCompleted:
		fmt.Printf("%s: already completed\n", specID)
		if point.degraded {
			exitCode = exitDegraded
		}
		return nil
	case resumeBlocked:
		fmt.Printf("%s: %s awaiting human review (attempt %d); use 'specpipe clear'\n",
			specID, point.stage.DisplayName(), point.attempt)
		exitCode = exitEscalate
		return nil
	}

	p, err := e.newPipeline()
	if err != nil {
		return err
	}
	if point.stage != policy.StageSpecify {
		if err := p.StartAt(specID, point.stage); err != nil {
			return err
		}
	}

	status, err := p.Run(cmd.Context(), specID)
	if err != nil {
		return err
	}
	printStatus(status)
	exitCode = codeForStatus(status, point.degraded)
	return nil
}

func runStage(cmd *cobra.Command, args []string) error {
	specID := args[0]
	stage, err := policy.ParseStage(args[1])
	if err != nil {
		return err
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	p, err := e.newPipeline()
	if err != nil {
		return err
	}
	if stage != policy.StageSpecify {
		if err := p.StartAt(specID, stage); err != nil {
			return err
		}
	}

	status, err := p.RunStage(cmd.Context(), specID)
	if err != nil {
		return err
	}
	printStatus(status)
	exitCode = codeForStatus(status, false)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	specID := args[0]
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	aborted, err := e.ev.Aborted(specID)
	if err != nil {
		return err
	}

	fmt.Printf("Spec: %s\n", specID)
	if aborted {
		fmt.Println("State: ABORTED")
	}
	for _, stage := range policy.AllStages() {
		latest, err := e.ev.LatestAttempt(specID, stage)
		if err != nil {
			return err
		}
		if latest == 0 {
			fmt.Printf("  %-10s -\n", stage.DisplayName())
			continue
		}
		rec, err := e.ev.ReadRecord(specID, stage, latest)
		if err != nil {
			fmt.Printf("  %-10s attempt %d (no verdict)\n", stage.DisplayName(), latest)
			continue
		}
		v := rec.Verdict
		line := fmt.Sprintf("  %-10s attempt %d: %s (confidence %.2f, %s)",
			stage.DisplayName(), latest, v.Resolution, v.EffectiveConfidence, v.ConfidenceLevel)
		if len(v.MissingWorkers) > 0 {
			line += fmt.Sprintf(" missing=%v", v.MissingWorkers)
		}
		fmt.Println(line)
	}
	return nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	specID := args[0]
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	point, err := resumePoint(e.ev, specID)
	if err != nil {
		return err
	}
	if point.kind == resumeAborted {
		fmt.Printf("%s: already aborted\n", specID)
		return nil
	}

	attempt := point.attempt
	if attempt == 0 {
		attempt = 1
	}
	if err := e.ev.WriteAborted(cmd.Context(), specID, point.stage, attempt, abortReason); err != nil {
		return err
	}
	fmt.Printf("%s: aborted at %s attempt %d\n", specID, point.stage.DisplayName(), attempt)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	specID := args[0]
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	point, err := resumePoint(e.ev, specID)
	if err != nil {
		return err
	}
	if point.kind != resumeBlocked {
		return fmt.Errorf("%s has no escalated stage awaiting review", specID)
	}

	if err := e.ev.WriteCleared(cmd.Context(), specID, point.stage, point.attempt, clearNote); err != nil {
		return err
	}
	fmt.Printf("%s: cleared %s attempt %d\n", specID, point.stage.DisplayName(), point.attempt)
	return nil
}

func codeForStatus(status pipeline.Status, priorDegraded bool) int {
	switch status.State {
	case pipeline.StateAwaitingHuman:
		return exitEscalate
	case pipeline.StateAborted:
		return exitEscalate
	}
	if status.Degraded || priorDegraded {
		return exitDegraded
	}
	return exitOK
}

func printStatus(status pipeline.Status) {
	fmt.Printf("Spec:  %s\n", status.SpecID)
	fmt.Printf("State: %s\n", status.State)
	if status.State == pipeline.StateRunning || status.State == pipeline.StateAwaitingHuman {
		fmt.Printf("Stage: %s (attempt %d)\n", status.Stage.DisplayName(), status.Attempt)
	}
	if status.Degraded {
		fmt.Println("Degraded: yes")
	}
	if status.Reason != "" {
		fmt.Printf("Reason: %s\n", status.Reason)
	}
}

// stderrSink prints escalations for the operator. A deployment wanting a
// queue or webhook provides its own pipeline.EscalationSink.
type stderrSink struct{}

func (stderrSink) Notify(_ context.Context, esc pipeline.Escalation) error {
	fmt.Fprintf(os.Stderr, "[escalation] %s %s: %s\n", esc.SpecID, esc.Stage.DisplayName(), esc.Reason)
	return nil
}
