package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factorywatch/internal/prompt"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect and override stage prompt templates",
	Long: `Stage prompts are built in. A file with the same name in the prompt
directory (default ~/.factory/prompts) overrides the built-in template.`,
}

// promptDir is --dir, or ./prompts when the home directory is unknown.
func promptDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	if dir := prompt.DefaultDir(); dir != "" {
		return dir
	}
	return filepath.Join(".", "prompts")
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates and whether each is overridden",
	Run: func(cmd *cobra.Command, args []string) {
		dir := promptDir(cmd)
		w := cmd.OutOrStdout()
		for _, name := range prompt.Names() {
			source := "built-in"
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				source = "override"
			}
			fmt.Fprintf(w, "%-28s %s\n", name, source)
		}
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print the template a stage will use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := prompt.NewLibrary(promptDir(cmd)).Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

var promptsInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Copy the built-in templates into the prompt directory for editing",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := promptDir(cmd)
		written, err := prompt.Install(dir)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "All templates already present in %s\n", dir)
			return nil
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", filepath.Join(dir, name))
		}
		return nil
	},
}

func init() {
	promptsCmd.PersistentFlags().String("dir", "", "Prompt directory (default ~/.factory/prompts)")
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsShowCmd)
	promptsCmd.AddCommand(promptsInstallCmd)
}
