package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/llm"
	"github.com/jdziat/docpipe/pkg/pipeline"
)

const (
	maxCriteria      = 25
	summaryMaxTokens = 150
	criteriaTokens   = 400
)

// ErrNoCriteria is returned when a proposal has nothing to be evaluated
// against.
var ErrNoCriteria = errors.New("docpipe: no evaluation criteria available")

// CriterionScore is how well the analyzed text covers one criterion.
type CriterionScore struct {
	Criterion string   `json:"criterion"`
	Score     float64  `json:"score"`
	Matched   []string `json:"matched_terms"`
}

// Report is the outcome of the analyze stage.
type Report struct {
	Type         core.AnalysisType
	Criteria     []string
	Summary      string
	WordCount    int
	Scores       []CriterionScore
	OverallScore float64
}

// Map returns the report as a task result.
func (r *Report) Map() map[string]any {
	out := map[string]any{
		ParamAnalysisType: string(r.Type),
		"criteria_count":  len(r.Criteria),
		"criteria":        r.Criteria,
		"summary":         r.Summary,
		"word_count":      r.WordCount,
	}
	if r.Type == core.AnalysisProposal {
		out["scores"] = r.Scores
		out["overall_score"] = r.OverallScore
	}
	return out
}

// analyze is the final workflow stage. Without an analysis id it analyzes
// the documents named in its parameters directly.
func (o *Orchestrator) analyze(ctx context.Context, t *core.Task) (map[string]any, error) {
	kind := core.AnalysisRFP
	if t.Name == TaskAnalyzeProposal {
		kind = core.AnalysisProposal
	}
	analysisID := t.Param(ParamAnalysisID)
	if analysisID == "" {
		return o.analyzeDocuments(ctx, t, kind)
	}

	p, err := o.analysisPipeline(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	combined, err := o.store.GetCombined(ctx, analysisID)
	if err != nil {
		return nil, fmt.Errorf("get combined artifact: %w", err)
	}
	if combined == nil || strings.TrimSpace(combined.Text) == "" {
		return nil, &core.WorkflowError{Phase: "analyze", PipelineID: analysisID, Err: core.ErrEmptyCombinedText}
	}

	criteria, framework, err := o.criteriaFor(ctx, p, kind, combined.Text)
	if err != nil {
		return nil, &core.WorkflowError{Phase: "analyze", PipelineID: analysisID, Err: err}
	}
	report, err := o.evaluate(ctx, kind, combined.Text, criteria)
	if err != nil {
		return nil, err
	}

	result := report.Map()
	result["document_ids"] = []string(combined.DocumentIDs)
	result["missing_document_ids"] = []string(combined.MissingIDs)

	_, err = o.store.UpdateAnalysisPipeline(ctx, analysisID, func(ap *core.AnalysisPipeline) error {
		ap.Criteria = criteria
		ap.Framework = framework
		ap.Result = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store analysis result: %w", err)
	}
	return result, nil
}

// criteriaFor returns the criteria and framework the analysis uses. An RFP
// without criteria produces them; a proposal borrows its parent RFP's.
func (o *Orchestrator) criteriaFor(ctx context.Context, p *core.AnalysisPipeline, kind core.AnalysisType, text string) ([]string, map[string]any, error) {
	if len(p.Criteria) > 0 {
		return p.Criteria, p.Framework, nil
	}
	if kind == core.AnalysisRFP {
		criteria, err := o.extractCriteria(ctx, text)
		if err != nil {
			return nil, nil, err
		}
		return criteria, buildFramework(criteria), nil
	}

	if p.ParentID == nil {
		return nil, nil, fmt.Errorf("%w: proposal %s has no parent RFP analysis", ErrNoCriteria, p.ID)
	}
	parent, err := o.store.GetAnalysisPipeline(ctx, *p.ParentID)
	if err != nil {
		return nil, nil, fmt.Errorf("get parent pipeline %s: %w", *p.ParentID, err)
	}
	if parent == nil || len(parent.Criteria) == 0 {
		return nil, nil, fmt.Errorf("%w: RFP analysis %s has not produced criteria", ErrNoCriteria, *p.ParentID)
	}
	return parent.Criteria, parent.Framework, nil
}

// extractCriteria asks the LLM for one criterion per line.
func (o *Orchestrator) extractCriteria(ctx context.Context, text string) ([]string, error) {
	if o.llm == nil {
		return nil, errors.New("no llm client configured")
	}
	answer, err := o.llm.GenerateText(ctx, llm.TextRequest{
		System:    "List the requirements and evaluation criteria stated in this request for proposal. Write one criterion per line.",
		Prompt:    text,
		MaxTokens: criteriaTokens,
	})
	if err != nil {
		return nil, err
	}
	return parseCriteria(answer), nil
}

// parseCriteria splits an LLM answer into distinct criteria, dropping list
// markers.
func parseCriteria(answer string) []string {
	seen := map[string]bool{}
	var out []string
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeftFunc(line, func(r rune) bool {
			return unicode.IsDigit(r) || r == '-' || r == '*' || r == '•' || r == '.' || r == ')' || unicode.IsSpace(r)
		})
		if line == "" {
			continue
		}
		key := strings.ToLower(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
		if len(out) == maxCriteria {
			break
		}
	}
	return out
}

// buildFramework weights every criterion equally.
func buildFramework(criteria []string) map[string]any {
	weights := make(map[string]any, len(criteria))
	if len(criteria) > 0 {
		w := 1 / float64(len(criteria))
		for _, c := range criteria {
			weights[c] = w
		}
	}
	return map[string]any{"weights": weights, "scale": 100}
}

func (o *Orchestrator) evaluate(ctx context.Context, kind core.AnalysisType, text string, criteria []string) (*Report, error) {
	report := &Report{
		Type:      kind,
		Criteria:  criteria,
		WordCount: len(strings.Fields(text)),
	}
	if report.Criteria == nil {
		report.Criteria = []string{}
	}
	if o.llm != nil {
		summary, err := o.llm.GenerateText(ctx, llm.TextRequest{
			System:    "Summarize this document set for an evaluation committee.",
			Prompt:    text,
			MaxTokens: summaryMaxTokens,
		})
		if err != nil {
			return nil, err
		}
		report.Summary = strings.TrimSpace(summary)
	}
	if kind == core.AnalysisProposal {
		report.Scores, report.OverallScore = scoreCriteria(text, criteria)
	}
	return report, nil
}

// scoreCriteria rates each criterion by the share of its keywords found in
// text, on a 0-100 scale.
func scoreCriteria(text string, criteria []string) ([]CriterionScore, float64) {
	vocab := map[string]bool{}
	for _, w := range pipeline.Keywords(text, math.MaxInt32, 1) {
		vocab[w] = true
	}

	scores := make([]CriterionScore, 0, len(criteria))
	var total float64
	for _, c := range criteria {
		terms := pipeline.Keywords(c, 10, 4)
		matched := []string{}
		for _, term := range terms {
			if vocab[term] {
				matched = append(matched, term)
			}
		}
		sort.Strings(matched)
		var score float64
		if len(terms) > 0 {
			score = math.Round(float64(len(matched)) / float64(len(terms)) * 100)
		}
		scores = append(scores, CriterionScore{Criterion: c, Score: score, Matched: matched})
		total += score
	}
	if len(scores) == 0 {
		return scores, 0
	}
	return scores, math.Round(total / float64(len(scores)))
}

// analyzeDocuments is a standalone analysis over the documents named in the
// task parameters, with no pipeline state.
func (o *Orchestrator) analyzeDocuments(ctx context.Context, t *core.Task, kind core.AnalysisType) (map[string]any, error) {
	ids := stringsParam(t.Parameters, ParamDocumentIDs)
	if len(ids) == 0 {
		ids = stringsParam(t.Parameters, "doc_ids")
	}

	docs := make([]*core.Document, 0, len(ids))
	for _, id := range dedupe(ids) {
		doc, err := o.store.GetDocument(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get document %s: %w", id, err)
		}
		if doc == nil {
			return nil, core.NotFound("document", id)
		}
		docs = append(docs, doc)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].ProcessingOrder != docs[j].ProcessingOrder {
			return docs[i].ProcessingOrder < docs[j].ProcessingOrder
		}
		return docs[i].ID < docs[j].ID
	})

	arts := make([]*core.DocumentArtifact, 0, len(docs))
	for _, doc := range docs {
		text, err := o.reader.ReadDocument(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		arts = append(arts, &core.DocumentArtifact{DocumentID: doc.ID, Title: doc.Title, Text: text})
	}
	combined := combineArtifacts("", documentIDs(docs), arts)
	if strings.TrimSpace(combined.Text) == "" {
		return nil, &core.WorkflowError{Phase: "analyze", Err: core.ErrEmptyCombinedText}
	}

	var criteria []string
	if kind == core.AnalysisRFP {
		var err error
		if criteria, err = o.extractCriteria(ctx, combined.Text); err != nil {
			return nil, err
		}
	} else if criteria = stringsParam(t.Parameters, ParamCriteria); len(criteria) == 0 {
		return nil, &core.WorkflowError{Phase: "analyze", Err: ErrNoCriteria}
	}

	report, err := o.evaluate(ctx, kind, combined.Text, criteria)
	if err != nil {
		return nil, err
	}
	result := report.Map()
	result["document_ids"] = []string(combined.DocumentIDs)
	result["missing_document_ids"] = []string(combined.MissingIDs)
	return result, nil
}
