package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	watchInterval time.Duration
	exportOutput  string
	batchWait     bool
)

var generateAllCmd = &cobra.Command{
	Use:   "generate-all",
	Short: "Generate every entity that has no artifact, one at a time",
	Args:  cobra.NoArgs,
	RunE:  runGenerateAll,
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Print progress of the current or last generate-all pass",
	Args:  cobra.NoArgs,
	RunE:  runBatch,
}

var watchCmd = &cobra.Command{
	Use:   "watch <entity-id>",
	Short: "Follow an entity until its attempt finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchEntity(cmd, args[0])
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download every artifact as a zip archive",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&watchInterval, "interval", time.Second, "Polling interval for --wait and watch")
	generateAllCmd.Flags().BoolVar(&batchWait, "wait", false, "Wait until the pass finishes")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "studio-export.zip", "Archive path")

	rootCmd.AddCommand(generateAllCmd, batchCmd, watchCmd, exportCmd)
}

func runGenerateAll(cmd *cobra.Command, args []string) error {
	var p progress
	if err := api.do(commandContext(cmd), http.MethodPost, "/v1/generate-all", nil, nil, &p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "generating %d entities\n", p.Total)
	if !batchWait {
		return nil
	}
	ctx := commandContext(cmd)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := api.do(ctx, http.MethodGet, "/v1/batch", nil, nil, &p); err != nil {
			return err
		}
		if !p.Running {
			printProgress(cmd, p)
			return nil
		}
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	var p progress
	if err := api.do(commandContext(cmd), http.MethodGet, "/v1/batch", nil, nil, &p); err != nil {
		return err
	}
	printProgress(cmd, p)
	return nil
}

func printProgress(cmd *cobra.Command, p progress) {
	state := "idle"
	if p.Running {
		state = "running"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s done=%d/%d succeeded=%d failed=%d skipped=%d\n",
		state, p.Done, p.Total, p.Summary.Succeeded, p.Summary.Failed, p.Summary.Skipped)
}

// watchEntity polls the entity and prints every status change until it is no
// longer generating. A failed attempt is reported as an error.
func watchEntity(cmd *cobra.Command, id string) error {
	ctx := commandContext(cmd)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	last := ""
	for {
		var e entity
		if err := api.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(id), nil, nil, &e); err != nil {
			return err
		}
		if e.Status != last {
			printEntity(cmd.OutOrStdout(), e)
			last = e.Status
		}
		if !e.Generating {
			if e.Status == "failed" {
				msg := e.DisplayMessage
				if msg == "" {
					msg = e.Error
				}
				return fmt.Errorf("%s: %s", id, msg)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	tmp := exportOutput + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	header, err := api.download(commandContext(cmd), "/v1/export.zip", f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	if err := os.Rename(tmp, exportOutput); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s artifacts to %s\n", header.Get("X-Artifact-Count"), exportOutput)
	return nil
}
