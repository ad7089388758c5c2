package generation

import (
	"context"
	"fmt"
	"strings"

	"blockweave/internal/models"
)

// Request is one assembled call to the external generation service.
type Request struct {
	Prompt      string
	Mode        string // "", "research", "simulate"
	Context     map[string]string
	PreAnswers  []models.QAPair
	ModelID     string
	Instruction string // handler-specific steering prefix
}

// Service is the external text-producing collaborator. Generate streams partial
// text fragments to onChunk as they arrive and returns the final content. The
// call must honor ctx cancellation promptly.
type Service interface {
	Generate(ctx context.Context, req Request, onChunk func(string)) (string, error)
}

// Handler builds the service request for one special_handler variant.
type Handler interface {
	BuildRequest(block *models.ContentBlock, deps map[string]string) Request
}

// HandlerRegistry is the single dispatch point mapping special_handler tags to
// request builders. The variant set is closed: unknown tags are an error, not a
// silent fallback.
type HandlerRegistry struct {
	handlers map[models.SpecialHandler]Handler
}

// NewHandlerRegistry creates a registry with all known variants registered.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: map[models.SpecialHandler]Handler{
			models.HandlerDefault:  defaultHandler{},
			models.HandlerResearch: researchHandler{},
			models.HandlerSimulate: simulateHandler{},
		},
	}
}

// Get retrieves the handler for a special_handler tag.
func (r *HandlerRegistry) Get(tag models.SpecialHandler) (Handler, error) {
	h, ok := r.handlers[tag]
	if !ok {
		return nil, fmt.Errorf("no handler registered for special_handler %q", tag)
	}
	return h, nil
}

func baseRequest(block *models.ContentBlock, deps map[string]string) Request {
	return Request{
		Prompt:     block.AIPrompt,
		Context:    deps,
		PreAnswers: append([]models.QAPair(nil), block.PreAnswers...),
		ModelID:    block.ModelOverride,
	}
}

// defaultHandler sends the block prompt as-is.
type defaultHandler struct{}

func (defaultHandler) BuildRequest(block *models.ContentBlock, deps map[string]string) Request {
	return baseRequest(block, deps)
}

// researchHandler asks the service to ground the answer in gathered sources
// before drafting.
type researchHandler struct{}

func (researchHandler) BuildRequest(block *models.ContentBlock, deps map[string]string) Request {
	req := baseRequest(block, deps)
	req.Mode = "research"
	req.Instruction = "Research the topic first and cite the material you relied on."
	return req
}

// simulateHandler asks the service to produce content by playing the scenario
// through rather than describing it.
type simulateHandler struct{}

func (simulateHandler) BuildRequest(block *models.ContentBlock, deps map[string]string) Request {
	req := baseRequest(block, deps)
	req.Mode = "simulate"
	req.Instruction = "Simulate the described interaction step by step, then write the result."
	return req
}

// FlattenContext renders dependency contents into a deterministic prompt
// preamble, declared order preserved by the caller's ordered keys.
func FlattenContext(order []string, deps map[string]string) string {
	var sb strings.Builder
	for _, id := range order {
		content, ok := deps[id]
		if !ok || content == "" {
			continue
		}
		sb.WriteString("## ")
		sb.WriteString(id)
		sb.WriteString("\n")
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
