package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"GoInspectorLens/internal/config"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration (defaults, file, environment) as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.NewManager(config.WithConfigPath(opts.configPath))
			if err != nil {
				return err
			}
			cfg := *m.Config()
			opts.apply(&cfg)

			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if file := m.File(); file != "" {
				fmt.Fprintf(w, "# config file: %s\n", file)
			} else {
				fmt.Fprintln(w, "# no config file, defaults and environment only")
			}
			_, err = w.Write(out)
			return err
		},
	})
	return cmd
}
