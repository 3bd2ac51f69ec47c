package main

import (
	"errors"
	"fmt"

	"github.com/example/go-voice-clone/internal/model"
	"github.com/spf13/cobra"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model acquisition and verification commands",
	}

	cmd.AddCommand(newModelDownloadCmd())
	cmd.AddCommand(newModelVerifyCmd())
	cmd.AddCommand(newModelInstallCmd())
	return cmd
}

func newModelDownloadCmd() *cobra.Command {
	var hfToken string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the model bundle from Hugging Face into the model directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if hfToken == "" {
				hfToken = cfg.Model.HFToken
			}

			err = model.Download(contextOrBackground(cmd.Context()), model.DownloadOptions{
				Repo:     cfg.Model.Repo,
				Revision: cfg.Model.Revision,
				OutDir:   cfg.Paths.ModelDir,
				HFToken:  hfToken,
				Stdout:   cmd.OutOrStdout(),
			})

			var denied *model.ErrAccessDenied
			if errors.As(err, &denied) && hfToken == "" {
				return fmt.Errorf("model download failed: %w (the repository may be gated)", err)
			}
			if err != nil {
				return fmt.Errorf("model download failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&hfToken, "hf-token", "", "Hugging Face token (falls back to HF_TOKEN env var)")

	return cmd
}

func newModelVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every bundle file against its lock checksum and smoke-load it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			err = model.Verify(contextOrBackground(cmd.Context()), model.VerifyOptions{
				Dir:        cfg.Paths.ModelDir,
				ORTLibrary: cfg.Runtime.ORTLibraryPath,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("model verify failed: %w", err)
			}
			return nil
		},
	}
}

func newModelInstallCmd() *cobra.Command {
	var url, sha string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a bundle archive (.zip or .tar.gz) into the model directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if url == "" {
				return errors.New("--url is required")
			}

			b, err := model.InstallArchive(contextOrBackground(cmd.Context()), model.ArchiveOptions{
				URL:    url,
				SHA256: sha,
				OutDir: cfg.Paths.ModelDir,
				Stdout: cmd.OutOrStdout(),
			})
			if err != nil {
				return fmt.Errorf("model install failed: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "installed %s v%d into %s\n", b.Name, b.Version, b.Dir())
			return err
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Archive URL or local path")
	cmd.Flags().StringVar(&sha, "sha256", "", "Expected sha256 of the archive")

	return cmd
}
