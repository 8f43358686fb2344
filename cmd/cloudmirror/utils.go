package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/cloudmirror/cloudmirror/internal/config"
	"github.com/cloudmirror/cloudmirror/internal/version"
	"github.com/spf13/cobra"
)

var (
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func showBanner(cmd *cobra.Command, cfg *config.Config) {
	remoteRoot := cfg.RemoteRoot
	if remoteRoot == "" {
		remoteRoot = "/"
	}
	target := cfg.Backend
	if cfg.Backend == config.BackendS3 {
		target = "s3://" + cfg.Bucket
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, cyan.Render(version.ShortWithApp()))
	fmt.Fprintf(out, "%s %s\n", gray.Render("local "), green.Render(cfg.LocalRoot))
	fmt.Fprintf(out, "%s %s%s\n", gray.Render("remote"), green.Render(target), green.Render(remoteRoot))
}
