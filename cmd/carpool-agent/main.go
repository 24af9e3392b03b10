// README: Actor-side CLI: one process runs one driver or rider session.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"metrocarpool/internal/config"
	"metrocarpool/internal/log"
	"metrocarpool/internal/session"
)

var (
	flagBaseURL     string
	flagSessionFile string
)

func main() {
	log.Configure(log.Config{Service: "carpool-agent"})

	root := &cobra.Command{
		Use:           "carpool-agent",
		Short:         "Metro carpool session coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "matching backend base URL (default CARPOOL_BASE_URL)")
	root.PersistentFlags().StringVar(&flagSessionFile, "session-file", "", "session file path (default ~/.carpool/session.json)")

	root.AddCommand(
		newSignupCmd(),
		newLoginCmd(),
		newLogoutCmd(),
		newStatusCmd(),
		newDriveCmd(),
		newRideCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func agentConfig() config.AgentConfig {
	cfg, _ := config.Load()
	out := cfg.Agent
	if flagBaseURL != "" {
		out.BaseURL = flagBaseURL
	}
	if flagSessionFile != "" {
		out.SessionFile = flagSessionFile
	}
	return out
}

func sessionStore() (*session.Store, error) {
	return session.NewStore(agentConfig().SessionFile)
}
