package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/adapter"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func resetCommand() *cli.Command {
	var (
		cfg        config
		yes        bool
		keepImages bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "yes",
			Aliases:     []string{"y"},
			Usage:       "Confirm deletion of every archived scan",
			Destination: &yes,
		},
		&cli.BoolFlag{
			Name:        "keep-images",
			Usage:       "Delete records only and leave stored images in place",
			Destination: &keepImages,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storageFlags(&cfg)...)

	return &cli.Command{
		Name:  "reset",
		Usage: "Delete every scan record and stored image of the archive",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx, c.Root().ErrWriter)
			if err != nil {
				return err
			}
			if !yes {
				return goerr.New("reset deletes the whole archive; pass --yes to confirm")
			}

			// open every client before anything is deleted
			var store adapter.ObjectStore
			if !keepImages {
				store, err = cfg.newStorage(ctx)
				if err != nil {
					return err
				}
				defer closeAll(ctx, store)
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeAll(ctx, repo)

			deleted, err := repo.DeleteAllScans(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to delete scan records")
			}
			logging.From(ctx).Info("scan records deleted", "count", deleted)
			fmt.Fprintf(c.Root().Writer, "Deleted %d scan records\n", deleted)

			if store == nil {
				return nil
			}

			objects, err := store.DeleteAll(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to delete stored images")
			}
			fmt.Fprintf(c.Root().Writer, "Deleted %d stored images\n", objects)
			return nil
		},
	}
}
