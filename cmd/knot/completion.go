package main

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(knot completion bash)

  # To load for each session (Linux):
  $ knot completion bash > ~/.local/share/bash-completion/completions/knot

Zsh:
  $ knot completion zsh > ~/.zsh/completions/_knot
  # (create ~/.zsh/completions if needed, add to fpath in .zshrc)

Fish:
  $ knot completion fish > ~/.config/fish/completions/knot.fish

PowerShell:
  PS> knot completion powershell >> $PROFILE

Dynamic completion (note titles and tags):
  Set KNOT_COMPLETION_ENABLED=1 and KNOT_PASSWORD in the shell environment.
  Without both, only commands and flags are completed.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	registerCompletionFunctions()
}
