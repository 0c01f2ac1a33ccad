package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/secret"
)

// AgentRepository stores agent configurations. Auth tokens are sealed with
// box before they reach the database.
type AgentRepository struct {
	db  *sql.DB
	box *secret.Box
}

func NewAgentRepository(db *sql.DB, box *secret.Box) *AgentRepository {
	return &AgentRepository{db: db, box: box}
}

const agentColumns = `id, consultant_id, name, sub_account_id, auth_token_enc, whatsapp_number,
	consultant_display_name, business_name, default_goals, default_desires, default_hook, default_ideal_state,
	credentials_invalid_reason, credentials_checked_at, created_at, updated_at`

func (r *AgentRepository) scan(row rowScanner) (*models.Agent, error) {
	var (
		a                         models.Agent
		subAccount, token, number sql.NullString
		display, business         sql.NullString
		goals, desires            sql.NullString
		hook, ideal               sql.NullString
		invalidReason             sql.NullString
		checkedAt                 sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ConsultantID, &a.Name, &subAccount, &token, &number,
		&display, &business, &goals, &desires, &hook, &ideal,
		&invalidReason, &checkedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.SubAccountID = subAccount.String
	a.WhatsAppNumber = number.String
	a.ConsultantDisplayName = display.String
	a.BusinessName = business.String
	a.DefaultGoals = goals.String
	a.DefaultDesires = desires.String
	a.DefaultHook = hook.String
	a.DefaultIdealState = ideal.String
	a.CredentialsInvalidReason = invalidReason.String
	if checkedAt.Valid {
		t := checkedAt.Time
		a.CredentialsCheckedAt = &t
	}

	a.AuthToken, err = r.box.Open(token.String)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth token of agent %s: %w", a.ID, err)
	}
	return &a, nil
}

// Create stores a new agent
func (r *AgentRepository) Create(ctx context.Context, a *models.Agent) error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.NewValidationError("name", "is required")
	}
	if a.ConsultantID == "" {
		return errors.NewValidationError("consultant_id", "is required")
	}

	sealed, err := r.box.Seal(a.AuthToken)
	if err != nil {
		return err
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (id, consultant_id, name, sub_account_id, auth_token_enc, whatsapp_number,
			consultant_display_name, business_name, default_goals, default_desires, default_hook, default_ideal_state,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConsultantID, a.Name, nullString(a.SubAccountID), nullString(sealed), nullString(a.WhatsAppNumber),
		a.ConsultantDisplayName, a.BusinessName, a.DefaultGoals, a.DefaultDesires, a.DefaultHook, a.DefaultIdealState,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetByID returns an agent with its auth token opened
func (r *AgentRepository) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("agent", id)
	}
	return a, err
}

// List returns all agents ordered by id
func (r *AgentRepository) List(ctx context.Context) ([]models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := []models.Agent{}
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateCredentials replaces the agent's provider credentials and clears any
// previous invalid mark. Empty fields keep their stored value.
func (r *AgentRepository) UpdateCredentials(ctx context.Context, id string, u models.CredentialsUpdate) error {
	sets := []string{"credentials_invalid_reason = NULL", "credentials_checked_at = NULL", "updated_at = ?"}
	args := []any{time.Now()}

	if u.SubAccountID != "" {
		sets = append(sets, "sub_account_id = ?")
		args = append(args, u.SubAccountID)
	}
	if u.AuthToken != "" {
		sealed, err := r.box.Seal(u.AuthToken)
		if err != nil {
			return err
		}
		sets = append(sets, "auth_token_enc = ?")
		args = append(args, sealed)
	}
	if u.WhatsAppNumber != "" {
		sets = append(sets, "whatsapp_number = ?")
		args = append(args, u.WhatsAppNumber)
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, "UPDATE agents SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("agent", id)
	}
	return nil
}

// MarkCredentialsInvalid persists that the provider rejected the agent's
// credentials. An empty reason marks them as verified.
func (r *AgentRepository) MarkCredentialsInvalid(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE agents SET credentials_invalid_reason = ?, credentials_checked_at = ?, updated_at = ? WHERE id = ?",
		nullString(reason), time.Now(), time.Now(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("agent", id)
	}
	return nil
}
