package store

import (
	"context"
	"fmt"

	"github.com/vesaa/fleetpulse/internal/models"
)

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	if err := s.with(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create agent %q: %w", a.Name, err)
	}
	return nil
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(ctx context.Context, id uint) (*models.Agent, error) {
	var a models.Agent
	if err := s.with(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// GetAgentByToken loads the agent owning a heartbeat token.
func (s *Store) GetAgentByToken(ctx context.Context, token string) (*models.Agent, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var a models.Agent
	if err := s.with(ctx).Where("token = ?", token).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// GetAgentByName loads an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	var a models.Agent
	if err := s.with(ctx).Where("name = ?", name).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ListAgents returns every agent, most recently updated first.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	if err := s.with(ctx).Order("updated_at desc, id desc").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// ListAgentIDs returns the ids of every agent, ordered.
func (s *Store) ListAgentIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := s.with(ctx).Model(&models.Agent{}).Order("id asc").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	return ids, nil
}

// UpdateAgentFields applies a partial update by id. Keys are column names.
func (s *Store) UpdateAgentFields(ctx context.Context, id uint, fields map[string]any) error {
	res := s.with(ctx).Model(&models.Agent{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update agent %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAgentsByStatus returns the number of agents in each status.
// Statuses with no agents are present with a zero count.
func (s *Store) CountAgentsByStatus(ctx context.Context) (map[models.AgentStatus]int64, error) {
	type row struct {
		Status models.AgentStatus
		N      int64
	}
	var rows []row
	err := s.with(ctx).Model(&models.Agent{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count agents by status: %w", err)
	}
	out := make(map[models.AgentStatus]int64, len(models.AgentStatuses))
	for _, st := range models.AgentStatuses {
		out[st] = 0
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
