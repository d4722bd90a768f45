package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deepyad/helpdesk/internal/logging"
)

const Version = "0.1.0"

var (
	logLevelFlags []string
)

var rootCmd = &cobra.Command{
	Use:   "helpdesk",
	Short: "Helpdesk - multi-agent conversation dispatcher",
	Long: `Helpdesk is a multi-agent conversation dispatcher for customer-support
chatbots. It routes each message to a specialized agent (support, billing,
tech, escalation), grounds replies with retrieved context, gates them on
faithfulness, and escalates to humans when needed.`,
	Version: Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		[]string{"info"},
		"Log level for packages. Use a bare level for the default, or 'package=level' per package.\n"+
			"Examples: --log-level debug (all), --log-level supervisor=debug --log-level api=warn")

	rootCmd.AddCommand(serverCmd)
}

// setupLog initializes logging from the parsed --log-level flags.
func setupLog(flags []string) error {
	defaultLevel := "info"
	overrides := make(map[string]string)
	for _, flag := range flags {
		if pkg, level, found := strings.Cut(flag, "="); found {
			if pkg == "default" {
				defaultLevel = level
			} else {
				overrides[pkg] = level
			}
		} else {
			defaultLevel = flag
		}
	}
	return logging.Initialize(defaultLevel, overrides)
}

// HandleError prints the error and exits.
func HandleError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}
