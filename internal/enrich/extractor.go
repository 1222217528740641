package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-playground/validator/v10"
	"github.com/josephgoksu/NoteWing/internal/entity"
	"github.com/josephgoksu/NoteWing/internal/llm"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/utils"
)

var validate = validator.New()

// ExtractionInput is what the extractor reads. Context carries answers to
// earlier clarification questions; ExistingTags nudges the model toward the
// owner's vocabulary.
type ExtractionInput struct {
	Title        string
	Content      string
	Context      []string
	ExistingTags []string
}

// Extraction is the structured output of one extraction call.
type Extraction struct {
	People     []string `json:"people" validate:"max=50,dive,required,max=200"`
	Companies  []string `json:"companies" validate:"max=50,dive,required,max=200"`
	Projects   []string `json:"projects" validate:"max=50,dive,required,max=200"`
	Properties []string `json:"properties" validate:"max=50,dive,required,max=200"`
	Tags       []string `json:"tags" validate:"max=20,dive,required,max=64"`
	Question   string   `json:"question,omitempty" validate:"max=500"`
}

// Mentions groups the extracted names by entity kind.
func (e *Extraction) Mentions() entity.Mentions {
	return entity.Mentions{
		memory.EntityPerson:  e.People,
		memory.EntityCompany: e.Companies,
		memory.EntityProject: e.Projects,
	}
}

// Ambiguous reports whether the model asked a disambiguation question.
func (e *Extraction) Ambiguous() bool {
	return e != nil && strings.TrimSpace(e.Question) != ""
}

// ExtractionResult is a tagged result: Extraction is set only for StatusOK.
type ExtractionResult struct {
	Status       Status
	Extraction   *Extraction
	InputTokens  int
	OutputTokens int
	Raw          string
	Err          error
}

// OK reports whether the extraction parsed and validated.
func (r ExtractionResult) OK() bool { return r.Status == StatusOK }

// EntityExtractor asks a chat model for the people, companies, projects,
// properties and tags mentioned in a note.
type EntityExtractor struct {
	model     model.BaseChatModel
	modelName string
	timeout   time.Duration
	maxChars  int
}

// NewEntityExtractor wraps chat. A nil model yields an extractor whose calls
// are always unavailable.
func NewEntityExtractor(chat model.BaseChatModel, modelName string, timeout time.Duration, maxChars int) *EntityExtractor {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	return &EntityExtractor{model: chat, modelName: modelName, timeout: timeout, maxChars: maxChars}
}

// Model returns the chat model id used for usage accounting.
func (x *EntityExtractor) Model() string { return x.modelName }

const extractionSystemPrompt = `You extract structured facts from personal notes.

Return a single JSON object with exactly these fields:
{
  "people": ["full names of people mentioned"],
  "companies": ["organizations mentioned"],
  "projects": ["named projects or initiatives"],
  "properties": ["short factual properties, e.g. 'budget: 40k'"],
  "tags": ["1-5 lowercase topic tags"],
  "question": ""
}

Rules:
- Use empty arrays when nothing applies. Never invent names.
- Prefer the existing tags when they fit.
- Set "question" only when a mention is genuinely ambiguous and a short
  question to the author would resolve it (e.g. two people with the same first
  name). Otherwise leave it empty.
- Respond with JSON only.`

func buildExtractionPrompt(in ExtractionInput, maxChars int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TITLE: %s\n\n", in.Title)
	fmt.Fprintf(&sb, "CONTENT:\n%s\n", utils.TruncateRunes(in.Content, maxChars))
	if len(in.Context) > 0 {
		sb.WriteString("\nCLARIFICATIONS FROM THE AUTHOR:\n")
		for _, c := range in.Context {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("Use these answers to resolve ambiguity. Do not ask again about what they answer.\n")
	}
	if len(in.ExistingTags) > 0 {
		fmt.Fprintf(&sb, "\nEXISTING TAGS: %s\n", strings.Join(in.ExistingTags, ", "))
	}
	return sb.String()
}

// Extract runs one extraction call. It never retries and never returns an
// error: provider failures are StatusUnavailable, bad output StatusParseFailure.
func (x *EntityExtractor) Extract(ctx context.Context, in ExtractionInput) ExtractionResult {
	if x == nil || x.model == nil {
		return ExtractionResult{Status: StatusUnavailable, Err: errors.New("no chat model configured")}
	}

	messages := []*schema.Message{
		schema.SystemMessage(extractionSystemPrompt),
		schema.UserMessage(buildExtractionPrompt(in, x.maxChars)),
	}

	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	resp, err := x.model.Generate(ctx, messages)
	if err != nil {
		return ExtractionResult{Status: StatusUnavailable, Err: fmt.Errorf("llm generate: %w", err)}
	}
	if resp == nil {
		return ExtractionResult{Status: StatusUnavailable, Err: errors.New("empty model response")}
	}

	result := ExtractionResult{Raw: resp.Content}
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		result.InputTokens = resp.ResponseMeta.Usage.PromptTokens
		result.OutputTokens = resp.ResponseMeta.Usage.CompletionTokens
	} else {
		result.InputTokens = llm.EstimateTokens(messages[0].Content + messages[1].Content)
		result.OutputTokens = llm.EstimateTokens(resp.Content)
	}

	ext, err := ParseExtraction(resp.Content)
	if err != nil {
		result.Status = StatusParseFailure
		result.Err = err
		return result
	}
	result.Status = StatusOK
	result.Extraction = ext
	return result
}

// ParseExtraction decodes a model response into an Extraction. Every field's
// JSON type is checked before use; missing fields and nulls read as empty.
func ParseExtraction(response string) (*Extraction, error) {
	raw, err := utils.ExtractAndParseJSON[map[string]any](response)
	if err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}

	ext := &Extraction{}
	fields := []struct {
		key string
		dst *[]string
	}{
		{"people", &ext.People},
		{"companies", &ext.Companies},
		{"projects", &ext.Projects},
		{"properties", &ext.Properties},
		{"tags", &ext.Tags},
	}
	for _, f := range fields {
		values, err := stringList(raw, f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = values
	}

	switch q := raw["question"].(type) {
	case nil:
	case string:
		ext.Question = strings.TrimSpace(q)
	default:
		return nil, fmt.Errorf("field %q: expected string, got %T", "question", q)
	}

	if err := validate.Struct(ext); err != nil {
		return nil, fmt.Errorf("validate extraction: %w", err)
	}
	return ext, nil
}

// stringList reads raw[key] as an array of strings, trimming entries and
// dropping blanks and exact duplicates.
func stringList(raw map[string]any, key string) ([]string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q: expected array, got %T", key, v)
	}

	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("field %q[%d]: expected string, got %T", key, i, item)
		}
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}
