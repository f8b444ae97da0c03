package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"homeai-bot/internal/catalog"
	"homeai-bot/internal/domain"
	"homeai-bot/internal/integrations/openai"
)

const schemaName = "household_intents"

// intentsSchemaJSON is sent to the model in strict mode and checked again on
// the way back. Slots are name/value pairs because strict mode forbids open maps.
var intentsSchemaJSON = json.RawMessage(`{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"intents": {
			"type": "array",
			"items": {
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"domain": {"type": "string"},
					"action": {"type": "string"},
					"slots": {
						"type": "array",
						"items": {
							"type": "object",
							"additionalProperties": false,
							"properties": {
								"name": {"type": "string"},
								"value": {"type": "string"}
							},
							"required": ["name", "value"]
						}
					},
					"confidence": {"type": "number"}
				},
				"required": ["domain", "action", "slots", "confidence"]
			}
		}
	},
	"required": ["intents"]
}`)

var intentsSchema = jsonschema.MustCompileString(schemaName+".json", string(intentsSchemaJSON))

type slotPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type proposal struct {
	Domain     string     `json:"domain"`
	Action     string     `json:"action"`
	Slots      []slotPair `json:"slots"`
	Confidence float64    `json:"confidence"`
}

type intentsDocument struct {
	Intents []proposal `json:"intents"`
}

func buildMessages(cat *catalog.Catalog, req Request, now time.Time) []openai.Message {
	messages := []openai.Message{
		{Role: "system", Content: buildPolicyPrompt(cat, req.Stage, now)},
	}
	for _, t := range req.History {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := "user"
		if t.Speaker == domain.SpeakerBot {
			role = "assistant"
		}
		messages = append(messages, openai.Message{Role: role, Content: text})
	}
	return append(messages, openai.Message{Role: "user", Content: req.Message})
}

func buildPolicyPrompt(cat *catalog.Catalog, stage domain.Lifecycle, now time.Time) string {
	return strings.Join([]string{
		"Role:",
		"You classify WhatsApp messages sent to a household assistant into structured intents.",
		"You never answer the user and never execute anything.",
		"",
		"Rules:",
		"1) Return one intent per independent action, in the order the user stated them.",
		"2) Two amounts or two events in one message are two intents. Never put a list inside one slot.",
		"3) A monetary amount means the finance domain. A scheduled future occurrence means calendar.",
		"   \"Recordame\" or \"avisame\" phrasing means the reminder domain.",
		"4) Only use the domains and actions listed below. Use slot names exactly as listed.",
		"5) Leave out slots the user did not state. Do not invent values.",
		"6) confidence is your certainty between 0 and 1 for each intent.",
		"7) Greetings, thanks and small talk produce an empty intents list.",
		"",
		"Context:",
		fmt.Sprintf("Today is %s (%s).", now.Format("2006-01-02"), now.Weekday()),
		fmt.Sprintf("Subscription stage: %s.", stage),
		"",
		"Catalog:",
		cat.Describe(),
		"",
		"Output Contract:",
		"Return JSON only: {\"intents\":[{\"domain\":string,\"action\":string,\"slots\":[{\"name\":string,\"value\":string}],\"confidence\":number}]}.",
	}, "\n")
}

// parseIntents validates raw against the schema and decodes it strictly.
func parseIntents(raw string) ([]proposal, error) {
	raw = strings.TrimSpace(raw)

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := intentsSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var out intentsDocument
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedOutput, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: multiple JSON values", ErrMalformedOutput)
	}
	return out.Intents, nil
}
