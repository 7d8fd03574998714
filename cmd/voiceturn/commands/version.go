package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	serviceName    = "voice-turn-service"
	serviceVersion = "1.0.0"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
