package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/apresai/dubber/internal/config"
	"github.com/apresai/dubber/internal/observability"
	"github.com/apresai/dubber/internal/pipeline"
	"github.com/apresai/dubber/internal/progress"
	"github.com/apresai/dubber/internal/retime"
	"github.com/apresai/dubber/internal/transcript"
	"github.com/apresai/dubber/internal/tts"
	"github.com/apresai/dubber/internal/voice"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "dubber",
	Short:        "Re-voice a diarized transcript segment by segment with reference voices",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, err := observability.ParseFormat(flagLogFormat)
		if err != nil {
			return err
		}
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		logger = observability.InitLogger(observability.Options{Level: level, Format: format, Writer: os.Stderr})
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		genFlags.tui = true
		return runGenerate(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dubber %s\n", Version)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Synthesize every transcript segment and write the manifest",
	Example: `  dubber generate -t interview.json -r host.wav -r guest.wav
  dubber generate -t interview.txt -r host.wav -r guest.wav --match-timestamps
  dubber generate --config job.yaml --speed 1.1`,
	RunE: runGenerate,
}

var (
	flagVerbose   bool
	flagLogFormat string

	genFlags jobFlags
	logger   = slog.Default()
)

// jobFlags are the generate options. Only flags set on the command line
// override the job file.
type jobFlags struct {
	configPath       string
	transcript       string
	references       []string
	format           string
	exaggeration     float64
	cfgWeight        float64
	speed            float64
	matchTimestamps  bool
	onSynthesisError string
	retimeWorkers    int
	ffmpeg           string
	synth            string
	synthCommand     string
	synthArgs        []string
	synthURL         string
	synthAPIKey      string
	synthTimeout     time.Duration
	googleAuth       bool
	tui              bool
}

func (f *jobFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "YAML job file; flags given on the command line override it")
	fs.StringVarP(&f.transcript, "transcript", "t", "", "Diarized transcript (WhisperX JSON or [start–end] (SPEAKER_NN) lines)")
	fs.StringArrayVarP(&f.references, "reference", "r", nil, "Reference voice WAV, repeat in speaker order (first is SPEAKER_00)")
	fs.StringVar(&f.format, "format", "auto", "Transcript format: auto, json, or lines")
	fs.Float64Var(&f.exaggeration, "exaggeration", config.DefaultExaggeration, "Emotion exaggeration passed to the synthesizer")
	fs.Float64Var(&f.cfgWeight, "cfg-weight", config.DefaultCFGWeight, "Classifier-free guidance weight passed to the synthesizer")
	fs.Float64Var(&f.speed, "speed", 1.0, "Fixed tempo multiplier applied to every segment")
	fs.BoolVar(&f.matchTimestamps, "match-timestamps", false, "Retime each segment toward its original duration (0.8-1.5x)")
	fs.StringVar(&f.onSynthesisError, "on-synthesis-error", string(config.FailAbort), "What to do when a segment fails to synthesize: abort or skip")
	fs.IntVar(&f.retimeWorkers, "retime-workers", config.DefaultRetimeWorkers, "Concurrent retime jobs")
	fs.StringVar(&f.ffmpeg, "ffmpeg", config.EnvOr(config.EnvFFmpeg, retime.DefaultBinary), "FFmpeg binary used for retiming")
	fs.StringVar(&f.synth, "synth", tts.AdapterCommand, "Synthesizer adapter: command or http")
	fs.StringVar(&f.synthCommand, "synth-command", "", "Synthesis command (default "+tts.DefaultCommand+", or $"+config.EnvTTSCommand+")")
	fs.StringArrayVar(&f.synthArgs, "synth-arg", nil, "Extra argument for the synthesis command, repeatable")
	fs.StringVar(&f.synthURL, "synth-url", "", "Synthesis server URL (or $"+config.EnvTTSURL+")")
	fs.StringVar(&f.synthAPIKey, "synth-api-key", "", "Synthesis server API key (overrides $"+config.EnvTTSAPIKey+")")
	fs.DurationVar(&f.synthTimeout, "synth-timeout", 0, "HTTP synthesis request timeout (0 uses the adapter default)")
	fs.BoolVar(&f.googleAuth, "google-auth", false, "Send a Google ADC bearer token to the synthesis server")
	fs.BoolVar(&f.tui, "tui", false, "Interactive setup wizard")
	fs.SetNormalizeFunc(normalizeFlagName)
}

// normalizeFlagName accepts the underscore spelling of --cfg_weight.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "cfg_weight" {
		name = "cfg-weight"
	}
	return pflag.NormalizedName(name)
}

// apply overlays explicitly set flags onto job.
func (f *jobFlags) apply(fs *pflag.FlagSet, job *config.Job) {
	if fs.Changed("transcript") {
		job.Transcript = f.transcript
	}
	if fs.Changed("reference") {
		job.References = f.references
	}
	if fs.Changed("format") {
		job.Format = f.format
	}
	if fs.Changed("exaggeration") {
		job.Exaggeration = f.exaggeration
	}
	if fs.Changed("cfg-weight") {
		job.CFGWeight = f.cfgWeight
	}
	// a speed choice on the command line replaces the file's choice
	if fs.Changed("speed") {
		speed := f.speed
		job.Speed = &speed
		if !fs.Changed("match-timestamps") {
			job.MatchTimestamps = false
		}
	}
	if fs.Changed("match-timestamps") {
		job.MatchTimestamps = f.matchTimestamps
		if f.matchTimestamps && !fs.Changed("speed") {
			job.Speed = nil
		}
	}
	if fs.Changed("on-synthesis-error") {
		job.OnSynthesisError = f.onSynthesisError
	}
	if fs.Changed("retime-workers") {
		job.RetimeWorkers = f.retimeWorkers
	}
	if fs.Changed("ffmpeg") {
		job.FFmpeg = f.ffmpeg
	}
	if fs.Changed("synth") {
		job.Synth.Adapter = f.synth
	}
	if fs.Changed("synth-command") {
		job.Synth.Command = f.synthCommand
	}
	if fs.Changed("synth-arg") {
		job.Synth.Args = f.synthArgs
	}
	if fs.Changed("synth-url") {
		job.Synth.URL = f.synthURL
	}
	if fs.Changed("synth-api-key") {
		job.Synth.APIKey = f.synthAPIKey
	}
	if fs.Changed("synth-timeout") {
		job.Synth.Timeout = config.Duration(f.synthTimeout)
	}
	if fs.Changed("google-auth") {
		job.Synth.GoogleAuth = f.googleAuth
	}
}

// buildJob loads the job file, if any, and overlays the command line.
func (f *jobFlags) buildJob(fs *pflag.FlagSet) (*config.Job, error) {
	job := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		job = loaded
	}
	f.apply(fs, job)
	return job, nil
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable detailed logging (disables the progress bar)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format: text or json")

	genFlags.register(generateCmd.Flags())
	generateCmd.MarkFlagsMutuallyExclusive("speed", "match-timestamps")
}

// Execute runs the root command. SIGINT and SIGTERM cancel a running job
// between segments.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	job, err := genFlags.buildJob(cmd.Flags())
	if err != nil {
		return err
	}

	if genFlags.tui {
		if err := runInteractiveSetup(job); err != nil {
			return err
		}
	}

	if err := job.Validate(); err != nil {
		return err
	}
	format, err := transcript.ParseFormat(job.Format)
	if err != nil {
		return err
	}
	speed, _ := job.SpeedPolicy()
	failPolicy, _ := job.FailurePolicy()

	refs, err := voice.NewReferenceSet(job.References)
	if err != nil {
		return err
	}
	if err := voice.CheckFiles(refs); err != nil {
		return err
	}
	if speed.Reconciles() {
		if err := checkFFmpeg(job.FFmpeg); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	if observability.TracingEnabled() {
		tp, err := observability.InitTracer(ctx, "dubber", Version)
		if err != nil {
			logger.Warn("Failed to init tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Error("Tracer shutdown error", "error", err)
				}
			}()
		}
	}

	synth, err := tts.NewSynthesizer(tts.Config{
		Adapter:    job.Synth.Adapter,
		Command:    job.Synth.Command,
		Args:       job.Synth.Args,
		URL:        job.Synth.URL,
		APIKey:     job.Synth.APIKey,
		GoogleAuth: job.Synth.GoogleAuth,
		Timeout:    time.Duration(job.Synth.Timeout),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer synth.Close()

	cfg := pipeline.Config{
		TranscriptPath:   job.Transcript,
		Format:           format,
		References:       refs,
		Exaggeration:     job.Exaggeration,
		CFGWeight:        job.CFGWeight,
		Speed:            speed,
		OnSynthesisError: failPolicy,
		RetimeWorkers:    job.RetimeWorkers,
	}

	// Wire up progress bar when not in verbose mode
	if !flagVerbose {
		r := progress.NewBarRenderer(os.Stdout)
		defer r.Finish()
		cfg.OnProgress = r.Handle
	}

	logger.Debug("starting run",
		"synthesizer", synth.Name(),
		"transcript", job.Transcript,
		"references", refs.Paths(),
		"speed", speed.String(),
		"on_synthesis_error", string(failPolicy),
	)
	res, err := pipeline.New(cfg, synth, retime.NewFFmpeg(job.FFmpeg), logger).Run(ctx)
	if err != nil {
		return err
	}
	if flagVerbose && res.ManifestPath != "" {
		fmt.Printf("Manifest: %s (%d files, %d skipped)\n", res.ManifestPath, len(res.Entries), len(res.Skipped))
	}
	return nil
}

func checkFFmpeg(binary string) error {
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("FFmpeg not found (%s): install ffmpeg or set --ffmpeg / %s", binary, config.EnvFFmpeg)
	}
	return nil
}
