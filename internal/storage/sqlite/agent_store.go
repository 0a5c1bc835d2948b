package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sablewood/reverie/internal/storage"
	"github.com/sablewood/reverie/pkg/types"
)

const agentColumns = `id, account_id, name, system_prompt, reflection_prompt,
	memory_reflection_prompt, refinement_prompt, refinement_threshold,
	last_refinement_at, created_at, updated_at`

// CreateAgent persists a new agent, enforcing per-account name uniqueness.
func (s *Store) CreateAgent(ctx context.Context, agent *types.Agent) error {
	if agent == nil {
		return storage.ErrInvalidInput
	}
	if agent.AccountID == "" {
		return fmt.Errorf("%w: agent account_id is required", storage.ErrInvalidInput)
	}
	if err := types.ValidateAgentName(agent.Name); err != nil {
		return err
	}

	if agent.ID == "" {
		agent.ID = storage.NewID()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	return s.inTx(func(tx *sql.Tx) error {
		taken, err := agentNameTaken(ctx, tx, agent.AccountID, agent.Name, agent.ID)
		if err != nil {
			return err
		}
		if taken {
			return &types.ValidationError{Field: "name", Reason: fmt.Sprintf("an agent named %q already exists in this account", agent.Name)}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agent.ID, agent.AccountID, agent.Name,
			agent.SystemPrompt, agent.ReflectionPrompt,
			agent.MemoryReflectionPrompt, agent.RefinementPrompt,
			agent.RefinementThreshold, agent.LastRefinementAt,
			agent.CreatedAt, agent.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert agent: %w", err)
		}
		return nil
	})
}

// GetAgent returns the agent with the given ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "agent", ID: id}
	}
	return agent, err
}

// GetAgentByName returns the account's agent with the given name.
func (s *Store) GetAgentByName(ctx context.Context, accountID, name string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE account_id = ? AND lower(name) = lower(?)`, accountID, name)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Resource: "agent", ID: name}
	}
	return agent, err
}

// UpdateAgent writes the agent's mutable fields back, re-checking name
// uniqueness within the same transaction.
func (s *Store) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	if agent == nil || agent.ID == "" {
		return storage.ErrInvalidInput
	}
	agent.UpdatedAt = time.Now().UTC()

	return s.inTx(func(tx *sql.Tx) error {
		taken, err := agentNameTaken(ctx, tx, agent.AccountID, agent.Name, agent.ID)
		if err != nil {
			return err
		}
		if taken {
			return &types.ValidationError{Field: "name", Reason: fmt.Sprintf("an agent named %q already exists in this account", agent.Name)}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET
				name = ?, system_prompt = ?, reflection_prompt = ?,
				memory_reflection_prompt = ?, refinement_prompt = ?,
				refinement_threshold = ?, last_refinement_at = ?, updated_at = ?
			WHERE id = ?`,
			agent.Name, agent.SystemPrompt, agent.ReflectionPrompt,
			agent.MemoryReflectionPrompt, agent.RefinementPrompt,
			agent.RefinementThreshold, agent.LastRefinementAt, agent.UpdatedAt,
			agent.ID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: update agent: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &types.NotFoundError{Resource: "agent", ID: agent.ID}
		}
		return nil
	})
}

// ListAgents returns all agents, ordered by account then name.
func (s *Store) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents ORDER BY account_id, lower(name)`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// TouchRefinement records the end of a refinement session.
func (s *Store) TouchRefinement(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_refinement_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("sqlite: touch refinement: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &types.NotFoundError{Resource: "agent", ID: agentID}
	}
	return nil
}

func agentNameTaken(ctx context.Context, tx *sql.Tx, accountID, name, excludeID string) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM agents
		WHERE account_id = ? AND lower(name) = lower(?) AND id != ?`,
		accountID, name, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: check agent name: %w", err)
	}
	return exists > 0, nil
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var a types.Agent
	var threshold sql.NullFloat64
	var lastRefinement sql.NullTime

	err := row.Scan(
		&a.ID, &a.AccountID, &a.Name,
		&a.SystemPrompt, &a.ReflectionPrompt,
		&a.MemoryReflectionPrompt, &a.RefinementPrompt,
		&threshold, &lastRefinement,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if threshold.Valid {
		a.RefinementThreshold = &threshold.Float64
	}
	if lastRefinement.Valid {
		a.LastRefinementAt = &lastRefinement.Time
	}
	return &a, nil
}
