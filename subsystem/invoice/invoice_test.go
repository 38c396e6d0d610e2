package invoice

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		reply string
		err   error
		want  Result
	}{
		{
			"valid",
			`{"isValid": true, "missingDetails": [], "confidence": 0.92}`,
			nil,
			Result{IsValid: true, MissingDetails: []string{}, Confidence: 0.92},
		},
		{
			"fenced",
			"```json\n{\"isValid\": false, \"missingDetails\": [\"due date\"], \"confidence\": 0.7}\n```",
			nil,
			Result{IsValid: false, MissingDetails: []string{"due date"}, Confidence: 0.7},
		},
		{
			"clamped",
			`{"isValid": true, "confidence": 7}`,
			nil,
			Result{IsValid: true, MissingDetails: []string{}, Confidence: 1},
		},
		{
			"negative confidence",
			`{"isValid": false, "missingDetails": ["vendor"], "confidence": -0.5}`,
			nil,
			Result{IsValid: false, MissingDetails: []string{"vendor"}, Confidence: 0},
		},
		{"prose", "I think this invoice looks fine.", nil, Failed()},
		{"missing isValid", `{"confidence": 0.5}`, nil, Failed()},
		{"model error", "", errors.New("rate limited"), Failed()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := NewLLMValidator(&fakeModel{reply: tc.reply, err: tc.err})
			have := v.Validate(context.Background(), "INVOICE #42 from Acme")
			if !reflect.DeepEqual(have, tc.want) {
				t.Errorf("have %+v, want %+v", have, tc.want)
			}
		})
	}
}

func TestValidatePrompt(t *testing.T) {
	m := &fakeModel{reply: `{"isValid": true}`}
	NewLLMValidator(m).Validate(context.Background(), "INVOICE #42")
	if have, want := len(m.messages), 2; have != want {
		t.Fatalf("messages: have %d, want %d", have, want)
	}
	if have, want := m.messages[1].Role, llms.ChatMessageTypeHuman; have != want {
		t.Errorf("role: have %v, want %v", have, want)
	}
	if have, want := m.messages[1].Parts[0], llms.ContentPart(llms.TextPart("INVOICE #42")); !reflect.DeepEqual(have, want) {
		t.Errorf("part: have %v, want %v", have, want)
	}
}

func TestValidateDegrades(t *testing.T) {
	ctx := context.Background()
	if have := NewLLMValidator(nil).Validate(ctx, "INVOICE"); !reflect.DeepEqual(have, Failed()) {
		t.Errorf("nil model: have %+v", have)
	}
	if have := NewLLMValidator(&fakeModel{}).Validate(ctx, "  "); !reflect.DeepEqual(have, Failed()) {
		t.Errorf("empty text: have %+v", have)
	}
}
