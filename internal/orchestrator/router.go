package orchestrator

import (
	"github.com/casedrill/casedrill/internal/domain"
)

// Route resolves which personas must respond to a message, in the order
// their responses are appended to the log.
//
// Rules, in priority order:
//  1. A resolvable @mention of a persona attached to the scene routes
//     exclusively to that persona. An unresolvable mention falls through.
//  2. Personas marked key for the scene, ascending persona ID.
//  3. All attached personas, ascending persona ID.
//
// The fixed ordering makes conversation replay deterministic given the same
// external completions.
func Route(sc *domain.Scenario, scene *domain.Scene, mention string) []*domain.Persona {
	if mention != "" {
		if p := sc.PersonaByName(mention); p != nil && scene.HasPersona(p.ID) {
			return []*domain.Persona{p}
		}
		// Unknown or unattached name: treat the message as unaddressed.
	}

	ids := scene.KeyPersonaIDs()
	if len(ids) == 0 {
		ids = scene.AttachedPersonaIDs()
	}

	personas := make([]*domain.Persona, 0, len(ids))
	for _, id := range ids {
		if p := sc.PersonaByID(id); p != nil {
			personas = append(personas, p)
		}
	}
	return personas
}
