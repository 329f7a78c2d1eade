package arena

import (
	"fmt"
	"strings"

	"llmarena/internal/apierror"
	"llmarena/internal/providers"
)

// ModelCatalog reports whether a model is known for a provider.
type ModelCatalog interface {
	HasModel(id providers.ID, model string) bool
}

// Validate checks the request shape and returns a copy with duplicate
// selections removed. The first occurrence of a pair keeps its position.
// Every error wraps apierror.ErrInvalidRequest.
func (r RunRequest) Validate(catalog ModelCatalog) (RunRequest, error) {
	if strings.TrimSpace(r.Prompt) == "" {
		return RunRequest{}, fmt.Errorf("%w: prompt is empty", apierror.ErrInvalidRequest)
	}
	if len(r.Selections) == 0 {
		return RunRequest{}, fmt.Errorf("%w: no selections", apierror.ErrInvalidRequest)
	}

	seen := make(map[Selection]struct{}, len(r.Selections))
	out := RunRequest{Prompt: r.Prompt, Selections: make([]Selection, 0, len(r.Selections))}
	for _, sel := range r.Selections {
		sel.Model = strings.TrimSpace(sel.Model)
		if !sel.Provider.Valid() {
			return RunRequest{}, fmt.Errorf("%w: unknown provider %q", apierror.ErrInvalidRequest, sel.Provider)
		}
		if sel.Model == "" || (catalog != nil && !catalog.HasModel(sel.Provider, sel.Model)) {
			return RunRequest{}, fmt.Errorf("%w: unknown model %q for provider %q", apierror.ErrInvalidRequest, sel.Model, sel.Provider)
		}
		if _, dup := seen[sel]; dup {
			continue
		}
		seen[sel] = struct{}{}
		out.Selections = append(out.Selections, sel)
	}
	return out, nil
}
