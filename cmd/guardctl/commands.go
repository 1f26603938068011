package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wolfman30/groundguard/internal/classify"
	"github.com/wolfman30/groundguard/internal/injection"
	"github.com/wolfman30/groundguard/internal/patterns"
	"github.com/wolfman30/groundguard/internal/validation"
)

type rootOptions struct {
	patternsFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "guardctl",
		Short:         "Inspect and exercise the groundguard pattern library",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.patternsFile, "patterns", os.Getenv("PATTERNS_FILE"), "pattern library override (default: embedded)")

	root.AddCommand(
		newPatternsCmd(opts),
		newDetectCmd(opts),
		newClassifyCmd(opts),
		newValidateCmd(opts),
		newVerifyAuditCmd(),
		newHistoryCmd(),
	)
	return root
}

func (o *rootOptions) library() (*patterns.Library, error) {
	lib, err := patterns.Load(o.patternsFile)
	if err != nil {
		return nil, fmt.Errorf("load pattern library: %w", err)
	}
	return lib, nil
}

func newPatternsCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List every compiled matcher by section",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				opts.patternsFile = file
			}
			lib, err := opts.library()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pattern library version %d\n", lib.Version())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SECTION\tID\tCATEGORY")
			for _, e := range lib.Entries() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Section, e.ID, e.Category)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "validate and list this library file instead")
	return cmd
}

func newDetectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <text>",
		Short: "Run the injection detector on text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := opts.library()
			if err != nil {
				return err
			}
			res := injection.NewDetector(lib).Detect(strings.Join(args, " "))
			if err := writeJSON(cmd.OutOrStdout(), map[string]any{
				"is_injection":    res.IsInjection,
				"matched_pattern": res.MatchedPattern,
			}); err != nil {
				return err
			}
			if res.IsInjection {
				return errFlagged
			}
			return nil
		},
	}
}

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Classify a query for regulation mode, jurisdiction and trade domain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := opts.library()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), classify.NewClassifier(lib).Classify(strings.Join(args, " "), region))
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "tenant region used when the text names none")
	return cmd
}

type validateOptions struct {
	file       string
	sources    []string
	references []string
	query      string
	region     string
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	v := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a response against known sources and reference passages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lib, err := opts.library()
			if err != nil {
				return err
			}
			text, err := os.ReadFile(v.file)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			var refs []string
			for _, path := range v.references {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read reference: %w", err)
				}
				refs = append(refs, string(data))
			}

			verdict := validation.NewValidator(lib, validation.Config{}).Validate(validation.Input{
				Text:                 string(text),
				HasReferenceMaterial: len(refs) > 0,
				ReferenceTexts:       refs,
				Classification:       classify.NewClassifier(lib).Classify(v.query, v.region),
				KnownSourceNames:     v.sources,
			})
			if err := writeJSON(cmd.OutOrStdout(), verdict); err != nil {
				return err
			}
			if !verdict.Passed {
				return errFlagged
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&v.file, "file", "", "file holding the generated response")
	cmd.Flags().StringArrayVar(&v.sources, "source", nil, "known source name (repeatable)")
	cmd.Flags().StringArrayVar(&v.references, "reference", nil, "file holding a retrieved passage (repeatable)")
	cmd.Flags().StringVar(&v.query, "query", "", "the user question, for classification")
	cmd.Flags().StringVar(&v.region, "region", "", "tenant region")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
