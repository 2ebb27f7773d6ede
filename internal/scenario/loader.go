// Package scenario loads and validates scenario definitions.
//
// Scenarios are produced by the ingestion pipeline as YAML documents. The
// orchestrator never mutates them; this package is the consumption side:
// parse, validate the structural invariants, and sync into the store.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/casedrill/casedrill/internal/domain"
	"github.com/casedrill/casedrill/internal/store"
)

// LoadFile parses and validates a single scenario definition file.
func LoadFile(path string) (*domain.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var sc domain.Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	if err := Validate(&sc); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return &sc, nil
}

// LoadDir loads every *.yaml / *.yml scenario file in dir. A missing
// directory is not an error; it just yields no scenarios.
func LoadDir(dir string) ([]*domain.Scenario, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scenario directory: %w", err)
	}

	var scenarios []*domain.Scenario
	seen := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		sc, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[sc.ID]; ok {
			return nil, fmt.Errorf("%s: scenario id %q already defined in %s", entry.Name(), sc.ID, prev)
		}
		seen[sc.ID] = entry.Name()
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// Validate checks the structural invariants of a scenario definition.
func Validate(sc *domain.Scenario) error {
	if strings.TrimSpace(sc.ID) == "" {
		return fmt.Errorf("scenario id is required")
	}
	if strings.TrimSpace(sc.Title) == "" {
		return fmt.Errorf("scenario %s: title is required", sc.ID)
	}
	if len(sc.Scenes) == 0 {
		return fmt.Errorf("scenario %s: at least one scene is required", sc.ID)
	}

	personaIDs := map[string]bool{}
	for _, p := range sc.Personas {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("scenario %s: persona id is required", sc.ID)
		}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("scenario %s: persona %s: name is required", sc.ID, p.ID)
		}
		if personaIDs[p.ID] {
			return fmt.Errorf("scenario %s: duplicate persona id %q", sc.ID, p.ID)
		}
		personaIDs[p.ID] = true
	}

	// Scene order must be strictly increasing and gapless starting at 1.
	orders := make([]int, 0, len(sc.Scenes))
	sceneIDs := map[string]bool{}
	for _, scene := range sc.Scenes {
		if strings.TrimSpace(scene.ID) == "" {
			return fmt.Errorf("scenario %s: scene id is required", sc.ID)
		}
		if sceneIDs[scene.ID] {
			return fmt.Errorf("scenario %s: duplicate scene id %q", sc.ID, scene.ID)
		}
		sceneIDs[scene.ID] = true
		orders = append(orders, scene.Order)

		if scene.MaxAttempts < 1 {
			return fmt.Errorf("scenario %s: scene %s: max_attempts must be >= 1", sc.ID, scene.ID)
		}
		if scene.SuccessThreshold < 0 || scene.SuccessThreshold > 1 {
			return fmt.Errorf("scenario %s: scene %s: success_threshold must be within [0, 1]", sc.ID, scene.ID)
		}
		if len(scene.Personas) == 0 {
			return fmt.Errorf("scenario %s: scene %s: at least one persona is required", sc.ID, scene.ID)
		}
		for _, sp := range scene.Personas {
			if !personaIDs[sp.PersonaID] {
				return fmt.Errorf("scenario %s: scene %s: unknown persona %q", sc.ID, scene.ID, sp.PersonaID)
			}
			if !sp.Involvement.Valid() {
				return fmt.Errorf("scenario %s: scene %s: persona %s: invalid involvement %q", sc.ID, scene.ID, sp.PersonaID, sp.Involvement)
			}
		}
	}

	sort.Ints(orders)
	for i, order := range orders {
		if order != i+1 {
			return fmt.Errorf("scenario %s: scene order must be gapless starting at 1, got %v", sc.ID, orders)
		}
	}

	return nil
}

// Sync upserts the loaded scenarios into the store.
func Sync(ctx context.Context, repo store.Repository, scenarios []*domain.Scenario) error {
	for _, sc := range scenarios {
		if err := repo.UpsertScenario(ctx, sc); err != nil {
			return fmt.Errorf("sync scenario %s: %w", sc.ID, err)
		}
		slog.Info("Scenario synced", "scenario_id", sc.ID, "scenes", len(sc.Scenes), "personas", len(sc.Personas))
	}
	return nil
}
