package main

import (
	"fmt"
	"strings"

	"github.com/example/go-voice-clone/internal/doctor"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and model checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			result := doctor.Run(doctor.FromConfig(cfg), cmd.OutOrStdout())
			if result.Failed() {
				return fmt.Errorf("doctor found %d problem(s):\n  %s",
					len(result.Failures()), strings.Join(result.Failures(), "\n  "))
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "all checks passed")
			return err
		},
	}
}
