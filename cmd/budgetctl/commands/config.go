package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amerfu/budgetd/internal/app"
	"github.com/amerfu/budgetd/internal/config"
	"github.com/amerfu/budgetd/internal/services/policy"
)

var (
	application *app.App
	loader      func() (*app.App, error)
	cfg         *config.Config
	outputJSON  bool
)

// SetConfig sets the loaded configuration
func SetConfig(c *config.Config) {
	cfg = c
}

// SetLoader defers wiring services until a command needs them
func SetLoader(fn func() (*app.App, error)) {
	loader = fn
}

// SetApp injects already wired services
func SetApp(a *app.App) {
	application = a
}

// SetOutputJSON sets the output format preference
func SetOutputJSON(v bool) {
	outputJSON = v
}

// Close releases services opened by a command.
func Close() {
	if application != nil {
		application.Close()
		application = nil
	}
}

func services() (*app.App, error) {
	if application != nil {
		return application, nil
	}
	if loader == nil {
		return nil, errors.New("no store configured")
	}
	a, err := loader()
	if err != nil {
		return nil, err
	}
	application = a
	return a, nil
}

// OutputTable outputs data in table format
func OutputTable(w io.Writer, headers []string, rows [][]string) {
	if outputJSON {
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(w, jsonRows)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, header := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(tw, "\t")
		}
		_, _ = fmt.Fprint(tw, header)
	}
	_, _ = fmt.Fprintln(tw)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(tw, "\t")
			}
			_, _ = fmt.Fprint(tw, cell)
		}
		_, _ = fmt.Fprintln(tw)
	}
	_ = tw.Flush()
}

// OutputJSON outputs data in JSON format
func OutputJSON(w io.Writer, data interface{}) {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		_, _ = fmt.Fprintf(w, "Error encoding JSON: %v\n", err)
	}
}

// NewConfigCommand checks refill settings without touching the store.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Compile every refill policy and report errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return errors.New("no configuration loaded")
			}
			if err := policy.Validate(cfg.Refill); err != nil {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
				return errors.New("refill settings are invalid")
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK: %d role defaults, %d overrides\n",
				len(cfg.Refill.RoleDefaults), len(cfg.Refill.Overrides))
			return nil
		},
	})

	return cmd
}
