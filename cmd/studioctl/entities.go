package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	listKind    string
	listStatus  string
	listMissing bool
	listJSON    bool

	createKind   string
	createTitle  string
	createAspect string

	generateMode string
	generateWait bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities (optionally by kind or status)",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var getCmd = &cobra.Command{
	Use:   "get <entity-id>",
	Short: "Show one entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var createCmd = &cobra.Command{
	Use:   "create <prompt>",
	Short: "Create an entity from a prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <entity-id>",
	Short: "Delete an entity, stopping its running attempt first",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var generateCmd = &cobra.Command{
	Use:   "generate <entity-id>",
	Short: "Start a generation attempt for an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runGenerate,
}

var stopCmd = &cobra.Command{
	Use:   "stop <entity-id>",
	Short: "Stop the running attempt of an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	listCmd.Flags().StringVar(&listKind, "kind", "", "Filter by kind")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (idle|generating|succeeded|failed)")
	listCmd.Flags().BoolVar(&listMissing, "missing-artifact", false, "Only entities without an artifact")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "JSON output")

	createCmd.Flags().StringVar(&createKind, "kind", "", "Entity kind (default scene)")
	createCmd.Flags().StringVar(&createTitle, "title", "", "Entity title")
	createCmd.Flags().StringVar(&createAspect, "aspect-ratio", "", "Aspect ratio such as 16:9")

	generateCmd.Flags().StringVar(&generateMode, "mode", "render", "Generation mode (render|edit)")
	generateCmd.Flags().BoolVar(&generateWait, "wait", false, "Wait until the attempt finishes")

	rootCmd.AddCommand(listCmd, getCmd, createCmd, deleteCmd, generateCmd, stopCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if listKind != "" {
		query.Set("kind", listKind)
	}
	if listStatus != "" {
		query.Set("status", listStatus)
	}
	if listMissing {
		query.Set("missing_artifact", strconv.FormatBool(true))
	}
	var out struct {
		Entities []entity `json:"entities"`
	}
	if err := api.do(commandContext(cmd), http.MethodGet, "/v1/entities", query, nil, &out); err != nil {
		return err
	}
	if listJSON {
		return printJSON(cmd.OutOrStdout(), out.Entities)
	}
	for _, e := range out.Entities {
		printEntity(cmd.OutOrStdout(), e)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	var e entity
	if err := api.do(commandContext(cmd), http.MethodGet, "/v1/entities/"+url.PathEscape(args[0]), nil, nil, &e); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), e)
}

func runCreate(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"prompt":       args[0],
		"kind":         createKind,
		"title":        createTitle,
		"aspect_ratio": createAspect,
	}
	var e entity
	if err := api.do(commandContext(cmd), http.MethodPost, "/v1/entities", nil, body, &e); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), e.ID)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := api.do(commandContext(cmd), http.MethodDelete, "/v1/entities/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	id := args[0]
	var e entity
	query := url.Values{"mode": {generateMode}}
	if err := api.do(commandContext(cmd), http.MethodPost, "/v1/entities/"+url.PathEscape(id)+"/generate", query, nil, &e); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  attempt=%d  %s\n", e.ID, e.Attempt, e.Status)
	if !generateWait {
		return nil
	}
	return watchEntity(cmd, id)
}

func runStop(cmd *cobra.Command, args []string) error {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	if err := api.do(commandContext(cmd), http.MethodPost, "/v1/entities/"+url.PathEscape(args[0])+"/stop", nil, nil, &out); err != nil {
		return err
	}
	if out.Stopped {
		fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is not generating\n", args[0])
	}
	return nil
}

func printEntity(w io.Writer, e entity) {
	artifact := "-"
	if e.Artifact != nil {
		artifact = fmt.Sprintf("%s/%dB", e.Artifact.MIME, e.Artifact.Size)
	}
	fmt.Fprintf(w, "%s  %-8s  %-10s  attempt=%d  artifact=%s  title=%q",
		e.ID, e.Kind, e.Status, e.Attempt, artifact, e.Title)
	if e.Error != "" {
		fmt.Fprintf(w, "  err=%q", e.Error)
	}
	fmt.Fprintln(w)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
