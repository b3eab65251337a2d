package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apresai/dubber/internal/pipeline"
	"github.com/apresai/dubber/internal/transcript"
	"github.com/apresai/dubber/internal/voice"
)

var (
	flagInspectTranscript string
	flagInspectRefs       []string
	flagInspectFormat     string
	flagInspectJSON       bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show parsed transcript segments and which reference voice each one uses",
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVarP(&flagInspectTranscript, "transcript", "t", "", "Transcript to inspect")
	inspectCmd.Flags().StringArrayVarP(&flagInspectRefs, "reference", "r", nil, "Reference voice WAV, repeat in speaker order")
	inspectCmd.Flags().StringVar(&flagInspectFormat, "format", "auto", "Transcript format: auto, json, or lines")
	inspectCmd.Flags().BoolVar(&flagInspectJSON, "json", false, "Print the plan as JSON")
	inspectCmd.MarkFlagRequired("transcript")
}

func runInspect(cmd *cobra.Command, args []string) error {
	format, err := transcript.ParseFormat(flagInspectFormat)
	if err != nil {
		return err
	}
	var refs voice.ReferenceSet
	if len(flagInspectRefs) > 0 {
		if refs, err = voice.NewReferenceSet(flagInspectRefs); err != nil {
			return err
		}
	}

	plan, err := pipeline.Plan(flagInspectTranscript, format, refs)
	if err != nil {
		return err
	}

	if flagInspectJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	printPlan(cmd.OutOrStdout(), plan)
	return nil
}

func printPlan(w io.Writer, plan []pipeline.PlannedSegment) {
	resolved := 0
	fmt.Fprintf(w, "\n  %-5s %-9s %-9s %-12s %-9s %s\n", "IDX", "START", "END", "SPEAKER", "OUTPUT", "TEXT")
	fmt.Fprintf(w, "  %s\n", strings.Repeat("─", 70))
	for _, s := range plan {
		out := "(skip)"
		if s.Resolved() {
			out = s.Output
			resolved++
		}
		fmt.Fprintf(w, "  %-5d %-9s %-9s %-12s %-9s %s\n",
			s.Index, fmt.Sprintf("%.2fs", s.Start), fmt.Sprintf("%.2fs", s.End), s.Speaker, out, ellipsize(s.Text, 60))
	}
	fmt.Fprintf(w, "\n  %d segments, %d resolved, %d unresolved\n\n", len(plan), resolved, len(plan)-resolved)
}

func ellipsize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
