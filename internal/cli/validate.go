package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/rootcheck/internal/harness"
)

// ValidationError is one scenario file that failed to load.
type ValidationError struct {
	File    string `json:"file"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ScenarioSummary describes one scenario file that loaded cleanly.
type ScenarioSummary struct {
	File       string `json:"file"`
	Name       string `json:"name"`
	Assertions int    `json:"assertions"`
	Scenarios  int    `json:"scenarios"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Scenarios []ScenarioSummary `json:"scenarios,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario-file>...",
		Short: "Validate scenario files without running them",
		Long: `Validate scenario files without touching any root.

Each file is decoded strictly, checked against the scenario schema, and
checked for consistency: unique names, probe arguments that match the
probe kind, parseable commands and patterns, and known wrappers.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var result ValidationResult
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)
		s, err := harness.LoadScenario(file)
		if err != nil {
			code := ErrCodeInvalidScenario
			if errors.Is(err, fs.ErrNotExist) {
				code = ErrCodeNotFound
			}
			result.Errors = append(result.Errors, ValidationError{File: file, Code: code, Message: err.Error()})
			continue
		}
		assertions, scenarios := countSteps(s)
		result.Scenarios = append(result.Scenarios, ScenarioSummary{
			File:       file,
			Name:       s.Name,
			Assertions: assertions,
			Scenarios:  scenarios,
		})
	}

	if len(result.Errors) > 0 {
		return outputValidationErrors(formatter, result)
	}
	result.Valid = true
	return outputValidateSuccess(formatter, result)
}

// countSteps counts the assertions and scenarios in s, s included.
func countSteps(s *harness.Scenario) (assertions, scenarios int) {
	scenarios = 1
	for _, step := range s.Steps {
		switch {
		case step.Assert != nil:
			assertions++
		case step.Scenario != nil:
			a, n := countSteps(step.Scenario)
			assertions += a
			scenarios += n
		}
	}
	return assertions, scenarios
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	for _, s := range result.Scenarios {
		fmt.Fprintf(formatter.Writer, "✓ %s: %s (%d assertions, %d scenarios)\n", s.File, s.Name, s.Assertions, s.Scenarios)
	}
	return nil
}

// outputValidationErrors outputs every file that failed to load.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	for _, s := range result.Scenarios {
		fmt.Fprintf(formatter.Writer, "✓ %s: %s\n", s.File, s.Name)
	}
	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "✗ %s\n  %s: %s\n", err.File, err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
