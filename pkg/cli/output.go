package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func formatFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "format",
		Aliases:     []string{"f"},
		Usage:       "Output format (text, json, yaml)",
		Value:       formatText,
		Sources:     cli.EnvVars("SCANVAULT_FORMAT"),
		Destination: dst,
	}
}

// scanView is the printable form of a ScanRecord. The embedding is reduced
// to its dimension.
type scanView struct {
	ID             string    `json:"id" yaml:"id"`
	PatientID      string    `json:"patient_id" yaml:"patient_id"`
	Name           string    `json:"name,omitempty" yaml:"name,omitempty"`
	ScanType       string    `json:"scan_type" yaml:"scan_type"`
	ClinicianNotes string    `json:"clinician_notes,omitempty" yaml:"clinician_notes,omitempty"`
	ImageHandle    string    `json:"image_handle,omitempty" yaml:"image_handle,omitempty"`
	VectorDim      int       `json:"vector_dimension" yaml:"vector_dimension"`
	SourcePath     string    `json:"source_path,omitempty" yaml:"source_path,omitempty"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

func newScanView(r *model.ScanRecord) scanView {
	return scanView{
		ID:             string(r.ID),
		PatientID:      r.PatientID,
		Name:           r.Name,
		ScanType:       r.ScanType,
		ClinicianNotes: r.ClinicianNotes,
		ImageHandle:    string(r.ImageHandle),
		VectorDim:      len(r.ImageVector),
		SourcePath:     r.SourcePath,
		CreatedAt:      r.CreatedAt,
	}
}

// render writes v as JSON or YAML, or calls text for the plain format
func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch strings.ToLower(format) {
	case formatText, "":
		text(w)
		return nil

	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return goerr.Wrap(err, "failed to marshal output")
		}
		fmt.Fprintf(w, "%s\n", string(data))
		return nil

	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return goerr.Wrap(err, "failed to encode output")
		}
		return enc.Close()

	default:
		return goerr.New("unknown output format", goerr.V("format", format))
	}
}

func renderScans(w io.Writer, format string, records []*model.ScanRecord) error {
	views := make([]scanView, 0, len(records))
	for _, r := range records {
		views = append(views, newScanView(r))
	}

	return render(w, format, views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "No scans found")
			return
		}
		for _, v := range views {
			printScanText(w, v)
		}
	})
}

func printScanText(w io.Writer, v scanView) {
	fmt.Fprintf(w, "%s\t%s\n", v.PatientID, v.ScanType)
	if v.Name != "" {
		fmt.Fprintf(w, "  Name:   %s\n", v.Name)
	}
	if v.ClinicianNotes != "" {
		fmt.Fprintf(w, "  Notes:  %s\n", v.ClinicianNotes)
	}
	fmt.Fprintf(w, "  Image:  %s\n", v.ImageHandle)
	fmt.Fprintf(w, "  Vector: %d dimensions\n", v.VectorDim)
	if !v.CreatedAt.IsZero() {
		fmt.Fprintf(w, "  Added:  %s\n", v.CreatedAt.Format(time.RFC3339))
	}
}

func renderMatches(w io.Writer, format string, result model.MatchResult) error {
	if result == nil {
		result = model.MatchResult{}
	}

	return render(w, format, result, func(w io.Writer) {
		for i, m := range result {
			fmt.Fprintf(w, "%d.\t%.4f\t%s\t%s\n", i+1, m.Score, m.PatientID, m.ScanType)
		}
	})
}
