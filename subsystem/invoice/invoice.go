// Package invoice validates free-form invoice text using a language model.
package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/workflowzen/wfzen/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"github.com/tmc/langchaingo/llms"
)

// Result is the outcome of validating an invoice.
type Result struct {
	IsValid        bool     `json:"isValid"`
	MissingDetails []string `json:"missingDetails"`
	Confidence     float64  `json:"confidence"`
}

// ValidationError is the MissingDetails entry of a failed validation.
const ValidationError = "validation error"

// Failed is the result returned when validation itself fails.
func Failed() Result {
	return Result{IsValid: false, MissingDetails: []string{ValidationError}, Confidence: 0}
}

// Validator validates invoice text.
type Validator interface {
	Validate(ctx context.Context, text string) Result
}

const systemPrompt = `You check supplier invoices for completeness.
An invoice must name the vendor, an invoice number, an issue date, line items or a description of the goods or services, a total amount with currency, and payment terms or a due date.
Reply with only a JSON object of the form {"isValid": bool, "missingDetails": [string], "confidence": number between 0 and 1}.`

// LLMValidator validates invoices with a language model.
type LLMValidator struct {
	model  llms.Model
	logger log.Logger
}

// Option configures an LLMValidator.
type Option func(*LLMValidator)

// WithLogger sets the validator logger.
func WithLogger(logger log.Logger) Option {
	return func(v *LLMValidator) {
		v.logger = logger
	}
}

// NewLLMValidator creates a validator that asks model.
func NewLLMValidator(model llms.Model, opts ...Option) *LLMValidator {
	v := &LLMValidator{model: model, logger: log.NopLogger}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate asks the model to validate text.
// Any failure is logged and degrades to Failed.
func (v *LLMValidator) Validate(ctx context.Context, text string) Result {
	logger := ctxlog.Logger(ctx, v.logger)
	r, err := v.validate(ctx, text)
	if err != nil {
		logger.Info(logkeys.Message, "validating invoice", logkeys.Error, err)
		return Failed()
	}
	logger.Debug(
		logkeys.Message, "validated invoice",
		"valid", r.IsValid,
		logkeys.GenericCount, len(r.MissingDetails),
	)
	return r
}

func (v *LLMValidator) validate(ctx context.Context, text string) (Result, error) {
	if v.model == nil {
		return Result{}, errors.New("no model configured")
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, errors.New("empty invoice text")
	}
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(text)},
		},
	}
	resp, err := v.model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return Result{}, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) < 1 || resp.Choices[0] == nil {
		return Result{}, errors.New("no choices in response")
	}
	return ParseResult(resp.Choices[0].Content)
}

// ParseResult extracts a Result from a model reply.
// The JSON object may be wrapped in a Markdown code fence or prose.
func ParseResult(reply string) (Result, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Result{}, errors.New("no JSON object in reply")
	}
	var raw struct {
		IsValid        *bool    `json:"isValid"`
		MissingDetails []string `json:"missingDetails"`
		Confidence     *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return Result{}, fmt.Errorf("decode reply: %w", err)
	}
	if raw.IsValid == nil {
		return Result{}, errors.New("reply missing isValid")
	}
	r := Result{IsValid: *raw.IsValid, MissingDetails: raw.MissingDetails}
	if r.MissingDetails == nil {
		r.MissingDetails = []string{}
	}
	if raw.Confidence != nil {
		r.Confidence = clamp(*raw.Confidence)
	}
	return r, nil
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
