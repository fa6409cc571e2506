package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/pgbolt/internal/signature"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect error categorization rules",
	Long: `Inspect the rules that turn database error text into categories.

Rules come from rules.path when set, otherwise the built-in set is used.`,
}

var rulesTestCmd = &cobra.Command{
	Use:     "test <error text>",
	Short:   "Show the signature an error message produces",
	Example: `  pgbolt rules test 'column "user_id" does not exist'`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runRulesTest,
}

var rulesDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the active rule set as YAML",
	Args:  cobra.NoArgs,
	RunE:  runRulesDump,
}

func init() {
	rulesCmd.AddCommand(rulesTestCmd)
	rulesCmd.AddCommand(rulesDumpCmd)
}

func runRulesTest(cmd *cobra.Command, args []string) error {
	rules, err := loadRules(cfg)
	if err != nil {
		return err
	}

	raw := strings.Join(args, " ")
	normalized := signature.Normalize(raw)
	sig := signature.NewExtractor(rules).Extract(raw)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("normalized: "), normalized)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("fingerprint:"), sig.Fingerprint)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("category:   "), sig.Category)
	if rule, ok := rules.Match(normalized); ok {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("rule:       "), rule.Name)
	} else {
		fmt.Fprintf(out, "%s (none)\n", labelStyle.Render("rule:       "))
	}
	return nil
}

func runRulesDump(cmd *cobra.Command, args []string) error {
	rules, err := loadRules(cfg)
	if err != nil {
		return err
	}
	data, err := rules.Dump()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
