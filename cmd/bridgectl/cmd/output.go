package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var outputFormat string

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")
}

// printValue writes v in the selected format. Values are routed through
// JSON first so that yaml output uses the JSON field names.
func printValue(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	switch outputFormat {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
