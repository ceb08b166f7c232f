package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func defineIndexCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, dimensionFlag(&cfg))

	return &cli.Command{
		Name:  "define-index",
		Usage: "Create the vector index used by similarity queries",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx, c.Root().ErrWriter)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeAll(ctx, repo)

			op, err := repo.DefineVectorIndex(ctx, int(cfg.dimension))
			if err != nil {
				if errors.Is(err, model.ErrAlreadyExists) {
					logging.From(ctx).Info("vector index already exists", "collection", cfg.collection)
					return nil
				}
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Vector index requested: %s\n", op)
			fmt.Fprintf(c.Root().Writer, "The index builds in the background; similarity queries return nothing until it is ready.\n")
			return nil
		},
	}
}
