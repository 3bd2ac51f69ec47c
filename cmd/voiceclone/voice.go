package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/example/go-voice-clone/internal/audio"
	"github.com/example/go-voice-clone/internal/voices"
	"github.com/spf13/cobra"
)

func newVoiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Manage stored speaker conditioning",
	}

	cmd.AddCommand(newVoiceExportCmd())
	cmd.AddCommand(newVoiceListCmd())
	return cmd
}

func newVoiceExportCmd() *cobra.Command {
	var ref, id, license, description string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Condition on reference audio and store the result as a voice",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if ref == "" {
				return errors.New("--ref is required")
			}
			if id == "" {
				return errors.New("--id is required")
			}

			w, err := audio.Load(ref)
			if err != nil {
				return err
			}

			vm, err := voices.Open(cfg.Paths.VoicesDir)
			if err != nil {
				return err
			}

			ctx := contextOrBackground(cmd.Context())

			p, err := openPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			spk, err := p.Condition(ctx, w)
			if err != nil {
				return err
			}

			v, err := vm.Add(voices.Voice{ID: id, License: license, Description: description}, spk)
			if err != nil {
				return fmt.Errorf("store voice %q: %w", id, err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "exported %s -> %s (%d prompt tokens)\n", v.ID, v.Path, len(spk.PromptTokens))
			return err
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "Reference audio (WAV or MP3)")
	cmd.Flags().StringVar(&id, "id", "", "Voice ID to register in the manifest")
	cmd.Flags().StringVar(&license, "license", "", "License of the reference recording")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")

	return cmd
}

func newVoiceListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored voices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			vm, err := voices.Open(cfg.Paths.VoicesDir)
			if err != nil {
				return err
			}

			list := vm.List()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPATH\tLICENSE")
			for _, v := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", v.ID, v.Path, v.License)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the voice list as JSON")

	return cmd
}
