package endpoint

import "context"

// StaticProvider serves canned completions without a network hop. Used by
// tests and by offline runs where no catalog is configured.
type StaticProvider struct {
	desc Descriptor
	fn   func(ctx context.Context, prompt string) (*Completion, error)
}

// NewStaticProvider creates a static provider. fn may be nil, in which case
// every invocation echoes the prompt.
func NewStaticProvider(desc Descriptor, fn func(ctx context.Context, prompt string) (*Completion, error)) *StaticProvider {
	if fn == nil {
		fn = func(_ context.Context, prompt string) (*Completion, error) {
			return &Completion{Content: prompt, Model: "static"}, nil
		}
	}
	return &StaticProvider{desc: desc, fn: fn}
}

// Describe returns the admission-time descriptor.
func (p *StaticProvider) Describe() Descriptor {
	return p.desc
}

// Invoke returns the canned completion.
func (p *StaticProvider) Invoke(ctx context.Context, prompt string) (*Completion, error) {
	return p.fn(ctx, prompt)
}
