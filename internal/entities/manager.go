// Package entities binds persisted contract definitions to cache stores.
package entities

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/abis"
	"github.com/smartdevs17/rsk-read-cache/internal/config"
	"github.com/smartdevs17/rsk-read-cache/internal/models"
	"github.com/smartdevs17/rsk-read-cache/internal/storage"
	"github.com/smartdevs17/rsk-read-cache/internal/store"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

const storageTimeout = 10 * time.Second

// Manager keeps the set of bound entities in sync with the graph and storage.
type Manager struct {
	graph   *store.Graph
	caller  store.Caller
	storage storage.Storage
	logger  *logrus.Entry

	mu       sync.RWMutex
	entities map[string]*models.Entity
}

// NewManager creates a manager. st may be nil, in which case entities live
// only as long as the process.
func NewManager(graph *store.Graph, caller store.Caller, st storage.Storage) *Manager {
	return &Manager{
		graph:    graph,
		caller:   caller,
		storage:  st,
		logger:   utils.ComponentLogger("entities"),
		entities: make(map[string]*models.Entity),
	}
}

// Load binds configured entities and every active entity found in storage.
// Configured entities are saved first so the configuration wins.
func (m *Manager) Load(ctx context.Context, configured []config.EntityConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ec := range configured {
		entity := &models.Entity{
			Reference: ec.Reference,
			Address:   ec.Address,
			Name:      ec.Name,
			ABI:       ec.ABI,
			Active:    true,
		}
		if m.storage != nil {
			if err := m.storage.SaveEntity(ctx, entity); err != nil {
				return err
			}
		}
		if _, bound := m.entities[entity.Reference]; bound {
			continue
		}
		if err := m.bindLocked(entity); err != nil {
			return err
		}
	}

	if m.storage == nil {
		return nil
	}

	active := true
	stored, err := m.storage.GetEntities(ctx, models.EntityFilter{Active: &active})
	if err != nil {
		return err
	}
	for _, entity := range stored {
		if _, bound := m.entities[entity.Reference]; bound {
			continue
		}
		if err := m.bindLocked(entity); err != nil {
			m.logger.WithError(err).WithField("reference", entity.Reference).Warn("Skipping stored entity")
		}
	}

	m.logger.WithField("count", len(m.entities)).Info("Loaded entities")
	return nil
}

// Add validates, binds and persists a new entity.
func (m *Manager) Add(ctx context.Context, entity *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entities[entity.Reference]; exists {
		return utils.NewAppError(utils.ErrCodeValidation, "Entity already exists", entity.Reference)
	}
	entity.Active = true
	if err := m.bindLocked(entity); err != nil {
		return err
	}

	if m.storage != nil {
		sctx, cancel := context.WithTimeout(ctx, storageTimeout)
		defer cancel()
		if err := m.storage.SaveEntity(sctx, entity); err != nil {
			m.graph.RemoveStore(entity.Reference)
			delete(m.entities, entity.Reference)
			return err
		}
	}

	m.logger.WithFields(logrus.Fields{
		"reference": entity.Reference,
		"address":   entity.Address,
		"name":      entity.Name,
	}).Info("Entity added")
	return nil
}

// Remove unbinds an entity, dropping its cached reads, and deletes it from storage.
func (m *Manager) Remove(ctx context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entities[reference]; !exists {
		return utils.NewAppError(utils.ErrCodeNotFound, "Entity not found", reference)
	}

	if m.storage != nil {
		sctx, cancel := context.WithTimeout(ctx, storageTimeout)
		defer cancel()
		if err := m.storage.DeleteEntity(sctx, reference); err != nil && !utils.IsCode(err, utils.ErrCodeNotFound) {
			return err
		}
	}

	m.graph.RemoveStore(reference)
	delete(m.entities, reference)

	m.logger.WithField("reference", reference).Info("Entity removed")
	return nil
}

// Get returns a bound entity.
func (m *Manager) Get(reference string) (*models.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[reference]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// List returns every bound entity ordered by reference.
func (m *Manager) List() []*models.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

// Validate checks an entity definition without binding it.
func Validate(entity *models.Entity) error {
	if strings.TrimSpace(entity.Reference) == "" {
		return utils.NewAppError(utils.ErrCodeValidation, "Entity reference is required")
	}
	if !common.IsHexAddress(entity.Address) {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid entity address", entity.Address)
	}
	if _, err := abis.Resolve(entity.ABI); err != nil {
		return utils.WrapAppError(utils.ErrCodeValidation, "Invalid entity ABI", err)
	}
	return nil
}

func (m *Manager) bindLocked(entity *models.Entity) error {
	if err := Validate(entity); err != nil {
		return err
	}
	contractABI, err := abis.Resolve(entity.ABI)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeValidation, "Invalid entity ABI", err)
	}

	def := store.Definition{
		Reference: entity.Reference,
		Name:      entity.Name,
		Address:   common.HexToAddress(entity.Address),
		ABI:       contractABI,
	}
	if _, err := m.graph.NewStore(def, m.caller); err != nil {
		return err
	}
	m.entities[entity.Reference] = entity
	return nil
}
