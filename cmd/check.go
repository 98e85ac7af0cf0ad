// File: cmd/check.go
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rainbow/internal/checker"
	"github.com/xkilldash9x/rainbow/internal/config"
	"github.com/xkilldash9x/rainbow/internal/model"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration against the model commands and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runCheck(cfg, cmd.OutOrStdout())
		},
	}
}

// runCheck prints every problem found in cfg. Only errors fail the check.
func runCheck(cfg config.Interface, out io.Writer) error {
	c := checker.New(cfg, model.NewRegistry())
	problems := c.Check()
	for _, p := range problems {
		fmt.Fprintln(out, p.String())
	}
	if err := c.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "configuration OK (%d warnings)\n", len(problems))
	return nil
}
