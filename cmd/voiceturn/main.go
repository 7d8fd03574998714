// Command voiceturn runs the voice turn-taking service and its test client.
package main

import (
	"fmt"
	"os"

	"github.com/skypro1111/voice-turn-service/cmd/voiceturn/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
