package main

import (
	"os"
	"sync"

	"github.com/open-sspm/open-spend/internal/logging"
	"github.com/spf13/cobra"
)

// annotationPlainOutput marks commands that talk to a person on the terminal
// and therefore report failures as plain text instead of structured logs.
const annotationPlainOutput = "open-spend/plain-output"

type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandContextMu sync.Mutex
	commandContext   commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandContextMu.Lock()
	defer commandContextMu.Unlock()
	commandContext = ctx
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandContextMu.Lock()
	defer commandContextMu.Unlock()
	return commandContext
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[annotationPlainOutput]; ok {
			return false
		}
	}
	return true
}

// bootstrapCommand records the running command and installs the default
// logger for structured commands.
func bootstrapCommand(cmd *cobra.Command, _ []string) error {
	structured := commandUsesStructuredLogging(cmd)
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       cmd.CommandPath(),
		UsesStructuredLog: structured,
	})
	writer := os.Stdout
	if !structured {
		writer = os.Stderr
	}
	_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: cmd.CommandPath(), Writer: writer})
	return err
}
