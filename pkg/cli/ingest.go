package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/adapter"
	"github.com/m-mizutani/scanvault/pkg/dataset"
	"github.com/m-mizutani/scanvault/pkg/metadata"
	"github.com/m-mizutani/scanvault/pkg/policy"
	"github.com/m-mizutani/scanvault/pkg/scan"
	"github.com/m-mizutani/scanvault/pkg/usecase/ingest"
	"github.com/urfave/cli/v3"
)

const ingestDescription = `Layout is <root>/<patient>/.../<scan type>/<slices>. One slice per series is archived.
Runs against the same archive must not overlap; concurrent runs can archive the same scan twice.`

func ingestCommand() *cli.Command {
	var (
		cfg              config
		metadataSource   string
		idColumn         string
		notesColumn      string
		sheet            string
		extensions       []string
		patientPrefix    string
		policyDir        string
		batchSize        int64
		limit            int64
		concurrency      int64
		embedConcurrency int64
		timeout          time.Duration
		jpegQuality      int64
		grayscale        bool
		dryRun           bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "metadata",
			Aliases:     []string{"m"},
			Usage:       "Annotation source: .xlsx, .csv or bq://project.dataset.table",
			Sources:     cli.EnvVars("SCANVAULT_METADATA"),
			Destination: &metadataSource,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "id-column",
			Usage:       "Header of the patient identity column",
			Value:       metadata.DefaultIDColumn,
			Sources:     cli.EnvVars("SCANVAULT_ID_COLUMN"),
			Destination: &idColumn,
		},
		&cli.StringFlag{
			Name:        "notes-column",
			Usage:       "Header of the clinician notes column",
			Value:       metadata.DefaultNotesColumn,
			Sources:     cli.EnvVars("SCANVAULT_NOTES_COLUMN"),
			Destination: &notesColumn,
		},
		&cli.StringFlag{
			Name:        "sheet",
			Usage:       "Spreadsheet sheet name (first sheet if empty)",
			Sources:     cli.EnvVars("SCANVAULT_SHEET"),
			Destination: &sheet,
		},
		&cli.StringSliceFlag{
			Name:        "extension",
			Aliases:     []string{"e"},
			Usage:       "Recognized scan file extension (repeatable)",
			Value:       dataset.DefaultExtensions,
			Sources:     cli.EnvVars("SCANVAULT_EXTENSIONS"),
			Destination: &extensions,
		},
		&cli.StringFlag{
			Name:        "patient-prefix",
			Usage:       "Prefix prepended to identity folder names to form patient IDs",
			Value:       dataset.DefaultPatientPrefix,
			Sources:     cli.EnvVars("SCANVAULT_PATIENT_PREFIX"),
			Destination: &patientPrefix,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego intake policies (package intake)",
			Sources:     cli.EnvVars("SCANVAULT_POLICY_DIR"),
			Destination: &policyDir,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "Records committed per atomic write (max 500)",
			Value:       ingest.DefaultBatchSize,
			Sources:     cli.EnvVars("SCANVAULT_BATCH_SIZE"),
			Destination: &batchSize,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of scan series considered (0 for all)",
			Sources:     cli.EnvVars("SCANVAULT_LIMIT"),
			Destination: &limit,
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Aliases:     []string{"c"},
			Usage:       "Scans processed in parallel",
			Value:       ingest.DefaultConcurrency,
			Sources:     cli.EnvVars("SCANVAULT_CONCURRENCY"),
			Destination: &concurrency,
		},
		&cli.IntFlag{
			Name:        "embed-concurrency",
			Usage:       "Parallel embedding calls",
			Value:       ingest.DefaultEmbedConcurrency,
			Sources:     cli.EnvVars("SCANVAULT_EMBED_CONCURRENCY"),
			Destination: &embedConcurrency,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Per-scan timeout for normalize, embed and upload",
			Value:       ingest.DefaultTimeout,
			Sources:     cli.EnvVars("SCANVAULT_TIMEOUT"),
			Destination: &timeout,
		},
		&cli.IntFlag{
			Name:        "jpeg-quality",
			Usage:       "JPEG quality of stored images (1-100)",
			Value:       scan.DefaultJPEGQuality,
			Sources:     cli.EnvVars("SCANVAULT_JPEG_QUALITY"),
			Destination: &jpegQuality,
		},
		&cli.BoolFlag{
			Name:        "grayscale",
			Usage:       "Keep single-channel images instead of forcing RGB",
			Sources:     cli.EnvVars("SCANVAULT_GRAYSCALE"),
			Destination: &grayscale,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "Only list the scan series that would be considered",
			Destination: &dryRun,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, storageFlags(&cfg)...)
	flags = append(flags, embeddingFlags(&cfg)...)

	return &cli.Command{
		Name:        "ingest",
		Usage:       "Archive a directory tree of scans annotated by a metadata table",
		ArgsUsage:   "<root-dir>",
		Description: ingestDescription,
		Flags:       flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx, c.Root().ErrWriter)
			if err != nil {
				return err
			}
			w := c.Root().Writer

			if c.Args().Len() != 1 {
				return goerr.New("exactly one root directory is required")
			}
			root := c.Args().Get(0)

			loadOpts := []metadata.Option{
				metadata.WithIDColumn(idColumn),
				metadata.WithNotesColumn(notesColumn),
				metadata.WithSheet(sheet),
			}
			if strings.HasPrefix(metadataSource, "bq://") {
				if cfg.project == "" {
					return goerr.New("project is required for bq:// metadata source")
				}
				bq, err := adapter.NewBigQuery(ctx, cfg.project)
				if err != nil {
					return err
				}
				defer closeAll(ctx, bq)
				loadOpts = append(loadOpts, metadata.WithBigQuery(bq))
			}

			lookup, err := metadata.Load(ctx, metadataSource, loadOpts...)
			if err != nil {
				return err
			}

			candidates, err := dataset.New(
				dataset.WithExtensions(extensions...),
				dataset.WithPatientPrefix(patientPrefix),
			).Index(ctx, root, lookup)
			if err != nil {
				return err
			}

			if dryRun {
				for _, cand := range candidates {
					fmt.Fprintf(w, "%s\t%s\t%s\n", cand.PatientID, cand.ScanType, cand.FilePath)
				}
				fmt.Fprintf(w, "%d scan series found\n", len(candidates))
				return nil
			}
			if len(candidates) == 0 {
				fmt.Fprintf(w, "No annotated scan series found under %s\n", root)
				return nil
			}

			intake, err := policy.Load(ctx, policyDir)
			if err != nil {
				return err
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

			spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(c.Root().ErrWriter))
			spin.Suffix = " ingesting"
			spin.Start()

			uc := ingest.New(repo, store, embedder,
				ingest.WithPolicy(intake),
				ingest.WithNormalizer(scan.NewNormalizer(
					scan.WithColor(!grayscale),
					scan.WithQuality(int(jpegQuality)),
				)),
				ingest.WithBatchSize(int(batchSize)),
				ingest.WithLimit(int(limit)),
				ingest.WithConcurrency(int(concurrency)),
				ingest.WithEmbedConcurrency(int(embedConcurrency)),
				ingest.WithTimeout(timeout),
				ingest.WithProgress(func(done, total int) {
					spin.Lock()
					spin.Suffix = fmt.Sprintf(" ingesting %d/%d", done, total)
					spin.Unlock()
				}),
			)

			report, err := uc.Bulk(ctx, candidates)
			spin.Stop()

			if report != nil {
				printReport(w, report)
			}
			return err
		},
	}
}

func printReport(w io.Writer, report *ingest.Report) {
	for _, o := range report.Failures() {
		fmt.Fprintf(w, "FAILED\t%s\t%s\t%s\t%s\n", o.Candidate.PatientID, o.Candidate.ScanType, o.Stage, o.Candidate.FilePath)
	}
	fmt.Fprintf(w, "Scans: %d, committed: %d, skipped: %d, failed: %d, batches: %d\n",
		report.Total(), report.Committed(), report.Skipped(), len(report.Failures()), report.Batches)
}
