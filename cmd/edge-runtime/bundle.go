package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/bundle"
)

func newBundleCmd(root *rootOptions) *cobra.Command {
	var entrypoint, importMap, output string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Creates a bundle archive that can be loaded by the runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(entrypoint); err != nil {
				return fmt.Errorf("entrypoint path does not exist (%s)", entrypoint)
			}
			var im *bundle.ImportMap
			if importMap != "" {
				var err error
				if im, err = bundle.LoadImportMap(importMap); err != nil {
					return fmt.Errorf("import map path is invalid (%v)", err)
				}
			}
			b, err := bundle.Build(cmd.Context(), bundle.Options{Entrypoint: entrypoint, ImportMap: im})
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := bundle.Encode(&buf, b); err != nil {
				return err
			}
			root.log.Debug("bundled", zap.String("entrypoint", b.Entrypoint), zap.Int("sources", len(b.Sources)), zap.Int("bytes", buf.Len()))

			if output == "-" {
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
				return err
			}
			successColor.Fprintf(cmd.ErrOrStderr(), "Bundle written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "Path to entrypoint to bundle")
	cmd.Flags().StringVar(&importMap, "import-map", "", "Path to import map file")
	cmd.Flags().StringVar(&output, "output", "bin.bundle", "Path to output bundle file, - for standard output")
	_ = cmd.MarkFlagRequired("entrypoint")
	return cmd
}

func newUnbundleCmd() *cobra.Command {
	var archive, output string
	cmd := &cobra.Command{
		Use:   "unbundle",
		Short: "Unbundles a bundle archive to the specified directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := bundle.ReadArchive(archive)
			if err != nil {
				return fmt.Errorf("reading %s: %w", archive, err)
			}
			if err := bundle.Extract(b, output); err != nil {
				return err
			}
			successColor.Fprintf(cmd.OutOrStdout(), "Bundle extracted successfully inside path %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&archive, "bundle", "", "Path of bundle archive to extract")
	cmd.Flags().StringVar(&output, "output", "./", "Path to extract the bundle content to")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}
