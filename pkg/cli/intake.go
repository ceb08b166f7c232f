package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/scan"
	"github.com/m-mizutani/scanvault/pkg/usecase/ingest"
	"github.com/urfave/cli/v3"
)

func intakeCommand() *cli.Command {
	var (
		cfg       config
		patientID string
		name      string
		scanType  string
		imagePath string
		notes     string
		grayscale bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "patient-id",
			Aliases:     []string{"i"},
			Usage:       "Patient identity, e.g. PAT-007",
			Destination: &patientID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "name",
			Aliases:     []string{"n"},
			Usage:       "Patient name",
			Destination: &name,
		},
		&cli.StringFlag{
			Name:        "scan-type",
			Aliases:     []string{"t"},
			Usage:       "Scan series category, e.g. \"T2 Sagittal MRI\"",
			Destination: &scanType,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "image",
			Usage:       "DICOM slice or PNG/JPEG image of the scan",
			Destination: &imagePath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "notes",
			Usage:       "Clinician's notes",
			Destination: &notes,
		},
		&cli.BoolFlag{
			Name:        "grayscale",
			Usage:       "Keep single-channel images instead of forcing RGB",
			Destination: &grayscale,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storageFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)

	return &cli.Command{
		Name:  "intake",
		Usage: "Archive a single scan",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx, c.Root().ErrWriter)
			if err != nil {
				return err
			}

			input := ingest.SingleInput{
				PatientID: strings.TrimSpace(patientID),
				Name:      strings.TrimSpace(name),
				ScanType:  strings.TrimSpace(scanType),
				Notes:     notes,
				Image:     model.ImageFile{Path: imagePath},
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeAll(ctx, repo)

			store, err := cfg.newStorage(ctx)
			if err != nil {
				return err
			}
			defer closeAll(ctx, store)

			embedder, err := cfg.newEmbedder(ctx)
			if err != nil {
				return err
			}
			defer closeAll(ctx, embedder)

			uc := ingest.New(repo, store, embedder,
				ingest.WithNormalizer(scan.NewNormalizer(scan.WithColor(!grayscale))),
			)

			outcome, err := uc.Single(ctx, input)
			if err != nil {
				return goerr.Wrap(err, "failed to archive scan")
			}

			w := c.Root().Writer
			switch outcome.Status {
			case ingest.StatusSkippedExists:
				fmt.Fprintf(w, "Already archived: %s\n", outcome.Candidate.Key())
			default:
				fmt.Fprintf(w, "Archived %s as %s\n", outcome.Candidate.Key(), outcome.Record.ID)
			}
			return nil
		},
	}
}
