package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/splatview/splatview-agent/internal/logging"
	"github.com/splatview/splatview-agent/internal/pointcloud"
	"github.com/splatview/splatview-agent/internal/remote"
)

type inspectReport struct {
	Source  string             `json:"source" yaml:"source"`
	Summary pointcloud.Summary `json:"summary" yaml:"summary"`
}

func newInspectCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file.ply|url>",
		Short: "Parse a PLY point cloud and print its scene summary",
		Long: `Loads a PLY file from disk or over HTTP, centers it, estimates normals and
prints what the viewer would display: point count, bounds and material.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			opener := pointcloud.FileOpener
			if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
				client := remote.NewHTTPClient("", logging.Discard())
				opener = pointcloud.OpenerFunc(func(ctx context.Context, ref string) (io.ReadCloser, error) {
					return client.Download(ctx, ref)
				})
			}

			scene, err := pointcloud.LoadScene(cmd.Context(), opener, ref)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", ref, err)
			}
			return opts.print(cmd.OutOrStdout(), inspectReport{
				Source:  logging.SanitizeURL(ref),
				Summary: scene.Summary(),
			})
		},
	}
	return cmd
}
