package decomposer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/intentd/intentd/pkg/models"
)

const systemPreamble = `You decompose eCommerce customer service messages into structured intents.

Rules:
- Use ONLY intent codes from the taxonomy below. Never invent codes.
- A message may carry several intents; list each code once, ordered by confidence descending.
- confidence is your estimate in [0, 1] that the intent is present.
- evidence lists verbatim spans from the message that support the intent.
- constraints lists short phrases for conditions the customer attached, such as "refund by Friday".
- Use the tools when an order id is present and order state would change your answer.
- If the message is too vague to classify, set requires_clarification to true and ask one short question.
- Respond with a single JSON object matching the response schema. No prose, no markdown fences.

Intent taxonomy:
`

const responseSchemaHint = `
Response schema:
{"intents": [{"intent_code": "CATEGORY.INTENT", "confidence": 0.9, "evidence": ["..."], "constraints": ["..."]}], "is_compound": false, "reasoning": "...", "requires_clarification": false, "clarification_question": "..."}`

// responseSchemaJSON is the contract the model output must satisfy before
// the engine will look at it.
const responseSchemaJSON = `{
	"type": "object",
	"required": ["intents", "is_compound", "reasoning", "requires_clarification"],
	"additionalProperties": false,
	"properties": {
		"intents": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["intent_code", "confidence"],
				"additionalProperties": false,
				"properties": {
					"intent_code": {"type": "string"},
					"confidence": {"type": "number"},
					"evidence": {"type": "array", "items": {"type": "string"}},
					"constraints": {"type": "array", "items": {"type": "string"}}
				}
			}
		},
		"is_compound": {"type": "boolean"},
		"reasoning": {"type": "string"},
		"requires_clarification": {"type": "boolean"},
		"clarification_question": {"type": "string"}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func responseSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader([]byte(responseSchemaJSON)))
	})
	return compiledSchema, schemaErr
}

// buildSystemPrompt renders the instructions with the closed taxonomy.
func buildSystemPrompt() string {
	codes := make([]string, 0, len(models.ValidIntentCodes()))
	for code := range models.ValidIntentCodes() {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var b strings.Builder
	b.WriteString(systemPreamble)
	for _, code := range codes {
		b.WriteString("- ")
		b.WriteString(code)
		b.WriteByte('\n')
	}
	b.WriteString(responseSchemaHint)
	return b.String()
}

// buildUserPrompt renders one message with its extraction and match context.
func buildUserPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Customer message:\n")
	b.WriteString(in.RawText)
	b.WriteString("\n\nExtracted entities:\n")
	if len(in.Entities) == 0 {
		b.WriteString("(none)\n")
	}
	for _, e := range in.Entities {
		fmt.Fprintf(&b, "- %s %q (confidence %.2f)\n", e.Type, e.Value, e.Confidence)
	}
	b.WriteString("\nSimilarity hints:\n")
	if len(in.MatchHints) == 0 {
		b.WriteString("(none)\n")
	}
	for _, h := range in.MatchHints {
		fmt.Fprintf(&b, "- %s similarity %.2f\n", h.IntentCode, h.Similarity)
	}
	if in.CustomerTier != "" {
		fmt.Fprintf(&b, "\nCustomer tier: %s\n", in.CustomerTier)
	}
	if len(in.PreviousIntents) > 0 {
		fmt.Fprintf(&b, "\nPrevious intents: %s\n", strings.Join(in.PreviousIntents, ", "))
	}
	return b.String()
}

// stripFences removes a markdown code fence around the body, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return s
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// parseOutput validates the raw model text against the response schema and
// the closed taxonomy. All failures wrap ErrInvalidResponse.
func parseOutput(raw string) (*Output, error) {
	body := stripFences(raw)
	// Some models wrap the object in prose despite instructions; take the
	// outermost braces.
	if !strings.HasPrefix(body, "{") {
		start := strings.IndexByte(body, '{')
		end := strings.LastIndexByte(body, '}')
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidResponse)
		}
		body = body[start : end+1]
	}

	schema, err := responseSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile response schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader([]byte(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(details, "; "))
	}

	var out Output
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := validateOutput(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
