package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/callclaw/pkg/callclaw/copilot"
)

// newKeyCmd creates the `callclaw key` command group for API key storage in
// the OS keyring.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the model API key in the OS keyring",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Prompt for the API key and store it in the keyring",
			RunE: func(_ *cobra.Command, _ []string) error {
				if !copilot.KeyringAvailable() {
					return fmt.Errorf("OS keyring is not available; set ANTHROPIC_API_KEY instead")
				}
				if err := copilot.PromptAndStoreAPIKey(); err != nil {
					return err
				}
				fmt.Println("API key stored in the OS keyring.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether an API key is stored",
			RunE: func(_ *cobra.Command, _ []string) error {
				if !copilot.KeyringAvailable() {
					fmt.Println("keyring: unavailable")
					return nil
				}
				if _, err := copilot.GetKeyringSecret("api_key"); err != nil {
					fmt.Println("keyring: available, no API key stored")
					return nil
				}
				fmt.Println("keyring: API key stored")
				return nil
			},
		},
	)

	return cmd
}
