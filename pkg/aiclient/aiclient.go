// Package aiclient implements the AI provider collaborator of
// SPEC_FULL.md §6: a single complete(prompt, systemPrompt, temperature,
// maxTokens) -> {text, usage, finishReason} call. Grounded on
// pkg/agent/llm_client.go's LLMClient interface shape (a narrow,
// swappable transport boundary in front of a remote model service) and
// pkg/llm/client.go's grpc.NewClient + insecure.NewCredentials() wiring,
// generalized from the teacher's proto-framed streaming "thinking"
// protocol to a single unary completion call, since no .proto source
// for a scenario-generation service exists in the retrieval pack (see
// DESIGN.md). The wire format is JSON-over-gRPC via a registered
// grpc/encoding.Codec rather than protobuf messages, keeping
// google.golang.org/grpc as the real transport while avoiding
// hand-fabricated .pb.go stubs.
package aiclient

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Usage reports token consumption for one completion call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// CompletionResult is the AI provider's response, per SPEC_FULL.md §6.
type CompletionResult struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Provider is the AI provider collaborator interface. Generate
// (pkg/aiverify) depends only on this, never on the concrete
// transport, so tests substitute a stub and the Resilience Envelope
// can wrap any implementation uniformly.
type Provider interface {
	Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (CompletionResult, error)
}

// completionRequest/completionResponse are the JSON-codec wire shapes
// exchanged with the generation service over gRPC.
type completionRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

type completionResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
	FinishReason string `json:"finish_reason"`
}

// GRPCProvider calls a scenario-generation service over gRPC, matching
// the connection shape of pkg/llm/client.go's NewClient (insecure
// transport credentials, a single long-lived *grpc.ClientConn reused
// across calls).
type GRPCProvider struct {
	conn   *grpc.ClientConn
	method string
}

// NewGRPCProvider dials addr once and returns a reusable Provider.
// method is the fully-qualified gRPC method name the generation
// service exposes (e.g. "/qawave.ai.v1.Generator/Complete").
func NewGRPCProvider(addr, method string) (*GRPCProvider, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &GRPCProvider{conn: conn, method: method}, nil
}

// Close releases the gRPC connection.
func (p *GRPCProvider) Close() error { return p.conn.Close() }

// Complete issues one unary RPC to the generation service.
func (p *GRPCProvider) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64, maxTokens int) (CompletionResult, error) {
	req := &completionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	}
	var resp completionResponse
	if err := p.conn.Invoke(ctx, p.method, req, &resp); err != nil {
		return CompletionResult{}, err
	}
	return CompletionResult{
		Text:         resp.Text,
		FinishReason: resp.FinishReason,
		Usage: Usage{
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			TotalTokens:  resp.TotalTokens,
		},
	}, nil
}

// callTimeout bounds a single completion RPC when the caller's context
// carries no deadline of its own.
const callTimeout = 60 * time.Second

// WithDefaultTimeout derives a context with callTimeout applied,
// convenience for call sites that don't already carry a deadline.
func WithDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}
