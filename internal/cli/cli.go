// Package cli wires the qgjob-server command tree: the serve command
// builds the composition root (config, logger, store, scheduler, HTTP
// server) and runs it until interrupted.
package cli

import (
	"github.com/spf13/cobra"
)

// App is the CLI application with its wired commands.
type App struct {
	rootCmd *cobra.Command

	version string
	commit  string
	date    string
}

// New creates the CLI application.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion records the build-time version information.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "qgjob-server",
		Short: "Test job orchestrator",
		Long: `qgjob-server schedules mobile and web test jobs across registered
workers, batching jobs that share an app version so each worker installs
the build once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.AddCommand(NewServeCmd(a))
	a.rootCmd.AddCommand(NewVersionCmd(a))
}
