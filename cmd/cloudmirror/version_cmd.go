package main

import (
	"fmt"
	"runtime"

	"github.com/cloudmirror/cloudmirror/internal/config"
	"github.com/cloudmirror/cloudmirror/internal/version"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// versionInfo is the --json form, for deployment tooling that checks what a host runs.
type versionInfo struct {
	App       string   `json:"app"`
	Version   string   `json:"version"`
	Revision  string   `json:"revision"`
	BuildDate string   `json:"buildDate"`
	Go        string   `json:"go"`
	Platform  string   `json:"platform"`
	Backends  []string `json:"backends"`
}

func currentVersionInfo() versionInfo {
	return versionInfo{
		App:       version.AppName,
		Version:   version.Version,
		Revision:  version.Revision,
		BuildDate: version.BuildDate,
		Go:        runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Backends:  []string{config.BackendS3, config.BackendMemory},
	}
}

func newVersionCmd() *cobra.Command {
	var short, asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case short && asJSON:
				return fmt.Errorf("--short and --json cannot be combined")
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(currentVersionInfo())
			case short:
				_, err := fmt.Fprintln(out, version.Version)
				return err
			default:
				_, err := fmt.Fprintln(out, version.DetailedWithApp())
				return err
			}
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "print only the version number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build details and supported backends as JSON")
	return cmd
}
