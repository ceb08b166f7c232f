package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// Query is the rule evaluated for each candidate. A candidate is ingested
// only when data.intake.allow is true.
const Query = "data.intake"

// Intake decides which ingestion candidates may enter the archive
type Intake struct {
	query *rego.PreparedEvalQuery
}

// Decision is the evaluated outcome for one candidate
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Load prepares the intake policy from every *.rego file in dir. It returns
// nil without error when dir is empty or has no policy file, which means
// every candidate is allowed.
func Load(ctx context.Context, dir string) (*Intake, error) {
	if dir == "" {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	sources := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		sources[file] = string(data)
	}

	return New(ctx, sources)
}

// New prepares the intake policy from in-memory modules keyed by file name
func New(ctx context.Context, modules map[string]string) (*Intake, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+2)
	options = append(options, rego.Query(Query), rego.EnablePrintStatements(true))
	for name, src := range modules {
		options = append(options, rego.Module(name, src))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare intake policy", goerr.V("query", Query))
	}

	return &Intake{query: &prepared}, nil
}

// Evaluate runs the policy with the candidate as input. A nil Intake allows
// everything.
func (x *Intake) Evaluate(ctx context.Context, candidate *model.IngestionCandidate) (*Decision, error) {
	if x == nil {
		return &Decision{Allow: true}, nil
	}

	input, err := toInput(candidate)
	if err != nil {
		return nil, err
	}

	rs, err := x.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&printHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate intake policy", goerr.V("key", candidate.Key().String()))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return &Decision{}, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("intake policy result is not an object", goerr.V("value", rs[0].Expressions[0].Value))
	}

	var decision Decision
	if v, ok := data["allow"]; ok {
		allow, ok := v.(bool)
		if !ok {
			return nil, goerr.New("intake policy allow is not a boolean", goerr.V("value", v))
		}
		decision.Allow = allow
	}
	if v, ok := data["reason"]; ok {
		decision.Reason = fmt.Sprint(v)
	}

	return &decision, nil
}

func toInput(candidate *model.IngestionCandidate) (map[string]any, error) {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal candidate")
	}

	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal candidate")
	}
	input["extension"] = filepath.Ext(candidate.FilePath)
	return input, nil
}
