package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ensemble/internal/validation"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

var (
	validateCatalog    string
	validateSpecialist string
)

var validateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Validate a directory against a specialist's output contract",
	Long: `Run the output checks (schema, completeness, format, success criteria
and corruption) against an existing directory, as if a worker of the given
specialist had produced it. Exits 1 when validation fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateCatalog, "catalog", "", "Capability catalog (YAML or JSON)")
	validateCmd.Flags().StringVar(&validateSpecialist, "specialist", "", "Specialist type whose contract applies")
	_ = validateCmd.MarkFlagRequired("catalog")
	_ = validateCmd.MarkFlagRequired("specialist")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := loadCatalog(validateCatalog)
	if err != nil {
		return err
	}
	spec, ok := cat.Lookup(validateSpecialist)
	if !ok {
		return invalidInput(fmt.Errorf("specialist %q is not in the catalog", validateSpecialist))
	}

	dir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return invalidInput(err)
	}
	if !info.IsDir() {
		return invalidInput(fmt.Errorf("%s is not a directory", dir))
	}

	v := validation.New(validation.WithCriterionTimeout(cfg.Validation.CriterionTimeout))
	rec := models.ExecutionRecord{
		TaskID:         filepath.Base(dir),
		SpecialistType: spec.Type,
		AttemptNumber:  1,
		OutputsDir:     dir,
	}
	rep := v.Validate(cmd.Context(), rec, spec.Contract)
	writeValidation(cmd.OutOrStdout(), rep)

	if !rep.Passed() {
		return withCode(exitIncomplete, nil)
	}
	return nil
}

func writeValidation(w io.Writer, rep models.ValidationReport) {
	for _, c := range rep.Checks {
		mark := okMark()
		switch c.Status {
		case models.CheckFailed:
			mark = failMark()
		case models.CheckSkipped, models.CheckWarning:
			mark = warnMark()
		}
		fmt.Fprintf(w, "%s %-16s %s", mark, c.CheckName, c.Status)
		if c.Message != "" {
			fmt.Fprintf(w, ": %s", c.Message)
		}
		fmt.Fprintln(w)
		for _, f := range c.Findings {
			if f.Status == models.CheckPassed {
				continue
			}
			fmt.Fprintf(w, "    %s %s %s\n", f.Subject, f.Status, f.Message)
		}
	}
	for _, warning := range rep.Warnings {
		fmt.Fprintf(w, "%s warning: %s\n", warnMark(), warning)
	}
	fmt.Fprintf(w, "\nValidation %s\n", rep.Status)
}
