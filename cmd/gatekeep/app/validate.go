package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vnykmshr/gatekeep/pkg/audit"
	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	"github.com/vnykmshr/gatekeep/pkg/rules"
)

// ErrRulesInvalid is returned by validate --strict when any rule is disabled.
var ErrRulesInvalid = errors.New("rule definitions have issues")

func newValidateCmd(c *cli) *cobra.Command {
	var (
		path   string
		strict bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a rule definitions file",
		Long: `Validate a rule definitions file and print the execution order, dependency
cycles and rules that would be disabled. With --strict any issue is an error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := rules.LoadDefinitionsFile(path)
			if err != nil {
				return err
			}
			actions := rules.NewActionRegistry(c.logger, audit.OrDiscard(nil), clock.System{})
			v := rules.Compile(defs, actions, nil).Validate()

			if err := printValidation(cmd.OutOrStdout(), v, format); err != nil {
				return err
			}
			if strict && !v.OK() {
				return fmt.Errorf("%w: %w", ErrRulesInvalid, v.Err())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "rules", "", "Path to rule definitions (YAML, required)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any rule is disabled")
	cmd.Flags().StringVar(&format, "format", "", "Output format (json)")
	if err := cmd.MarkFlagRequired("rules"); err != nil {
		panic(err)
	}
	return cmd
}

func printValidation(w io.Writer, v rules.Validation, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "order: %s\n", strings.Join(v.Order, ", "))
	for _, cycle := range v.Cycles {
		fmt.Fprintf(&b, "cycle: %s\n", strings.Join(cycle, " -> "))
	}
	for _, issue := range v.Issues {
		fmt.Fprintf(&b, "issue: %s: %s\n", issue.RuleID, issue.Reason)
	}
	if len(v.Disabled) > 0 {
		fmt.Fprintf(&b, "disabled: %s\n", strings.Join(v.Disabled, ", "))
	}
	if v.OK() {
		b.WriteString("ok\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
