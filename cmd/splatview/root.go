package main

import (
	"encoding/json"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type rootOptions struct {
	json bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "splatview",
		Short: "Turn a handful of photos into a 3D point cloud",
		Long: `Splatview uploads a small set of photos to a reconstruction service, waits for
the point cloud it produces and displays it.

Run "splatview serve" for the local agent used by the browser viewer, or drive a
single reconstruction from the terminal with "splatview reconstruct".`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print JSON instead of YAML")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd(opts))
	cmd.AddCommand(newReconstructCmd(opts))
	cmd.AddCommand(newInspectCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))

	return cmd
}

func (o *rootOptions) print(w io.Writer, v any) error {
	if o.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}
