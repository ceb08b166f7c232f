package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/usecase/retrieve"
	"github.com/urfave/cli/v3"
)

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "Look up archived scans",
		Commands: []*cli.Command{
			queryPatientCommand(),
			queryScanCommand(),
			querySimilarCommand(),
		},
	}
}

func queryPatientCommand() *cli.Command {
	var (
		cfg    config
		format string
	)

	flags := []cli.Flag{formatFlag(&format)}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "patient",
		Usage:     "List every scan of a patient",
		ArgsUsage: "<patient-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx, c.Root().ErrWriter)
			if err != nil {
				return err
			}
			if c.Args().Len() != 1 {
				return goerr.New("patient id is required")
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeAll(ctx, repo)

			records, err := retrieve.New(repo, nil).ByPatient(ctx, c.Args().Get(0))
			if err != nil {
				return err
			}
			return renderScans(c.Root().Writer, format, records)
		},
	}
}

func queryScanCommand() *cli.Command {
	var (
		cfg    config
		format string
		out    string
	)

	flags := []cli.Flag{
		formatFlag(&format),
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "Write the stored JPEG image to this file",
			Destination: &out,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storageFlags(&cfg)...)

	return &cli.Command{
		Name:      "scan",
		Usage:     "Show the scan of a patient for one scan type",
		ArgsUsage: "<patient-id> <scan-type>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx, c.Root().ErrWriter)
			if err != nil {
				return err
			}
			if c.Args().Len() != 2 {
				return goerr.New("patient id and scan type are required")
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeAll(ctx, repo)

			uc := retrieve.New(repo, nil)
			if out != "" {
				store, err := cfg.newStorage(ctx)
				if err != nil {
					return err
				}
				defer closeAll(ctx, store)
				uc = retrieve.New(repo, store)
			}

			record, err := uc.ByScan(ctx, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}
			if err := renderScans(c.Root().Writer, format, []*model.ScanRecord{record}); err != nil {
				return err
			}

			if out == "" {
				return nil
			}
			data, err := uc.Image(ctx, record)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return goerr.Wrap(err, "failed to write image", goerr.V("path", out))
			}
			fmt.Fprintf(c.Root().ErrWriter, "Image written to %s\n", out)
			return nil
		},
	}
}

func querySimilarCommand() *cli.Command {
	var (
		cfg            config
		format         string
		limit          int64
		overFetch      int64
		excludePatient bool
	)

	flags := []cli.Flag{
		formatFlag(&format),
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Number of matches to return",
			Value:       retrieve.DefaultLimit,
			Destination: &limit,
		},
		&cli.IntFlag{
			Name:        "over-fetch",
			Usage:       "Candidate pool multiplier applied to the limit",
			Value:       retrieve.DefaultOverFetch,
			Destination: &overFetch,
		},
		&cli.BoolFlag{
			Name:        "exclude-patient",
			Usage:       "Exclude every scan of the anchor's patient",
			Destination: &excludePatient,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "similar",
		Usage:     "Find scans visually similar to an archived scan",
		ArgsUsage: "<patient-id> <scan-type>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx, c.Root().ErrWriter)
			if err != nil {
				return err
			}
			if c.Args().Len() != 2 {
				return goerr.New("patient id and scan type are required")
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeAll(ctx, repo)

			uc := retrieve.New(repo, nil)
			anchor, err := uc.ByScan(ctx, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}

			result, err := uc.Similar(ctx, anchor, retrieve.SimilarOptions{
				Limit:          int(limit),
				OverFetch:      int(overFetch),
				ExcludePatient: excludePatient,
			})
			if errors.Is(err, model.ErrEmptyResult) {
				fmt.Fprintf(c.Root().Writer, "No similar scans for %s. The vector index may still be building.\n", anchor.Key())
				return nil
			}
			if err != nil {
				return err
			}

			return renderMatches(c.Root().Writer, format, result)
		},
	}
}
