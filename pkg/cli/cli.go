package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	return run(ctx, argv, os.Stdout, os.Stderr)
}

func run(ctx context.Context, argv []string, w, ew io.Writer) *Error {
	cmd := &cli.Command{
		Name:      "scanvault",
		Usage:     "Medical scan archive with similarity search",
		Writer:    w,
		ErrWriter: ew,
		Commands: []*cli.Command{
			defineIndexCommand(),
			ingestCommand(),
			intakeCommand(),
			queryCommand(),
			resetCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		printError(ew, err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

// printError writes the message and any goerr values attached along the chain
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %s\n", err.Error())

	values := goerr.Values(err)
	for _, key := range slices.Sorted(maps.Keys(values)) {
		fmt.Fprintf(w, "  %s: %v\n", key, values[key])
	}
}
