package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
)

type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const versionColumns = `v.id, v.template_id, v.version_number, v.body_text, v.remote_id, v.remote_state,
	v.agent_id, v.is_active, v.row_version, v.last_synced_at, v.created_by, v.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner, extra ...any) (*models.TemplateVersion, error) {
	var (
		v                                   models.TemplateVersion
		remoteID, state, agentID, createdBy sql.NullString
		syncedAt                            sql.NullTime
	)
	dest := []any{&v.ID, &v.TemplateID, &v.VersionNumber, &v.BodyText, &remoteID, &state,
		&agentID, &v.IsActive, &v.RowVersion, &syncedAt, &createdBy, &v.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	v.RemoteID = remoteID.String
	v.RemoteState = models.ApprovalState(state.String)
	v.AgentID = agentID.String
	v.CreatedBy = createdBy.String
	if syncedAt.Valid {
		t := syncedAt.Time
		v.LastSyncedAt = &t
	}
	return &v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create creates a new template and its first, active version
func (r *TemplateRepository) Create(ctx context.Context, t *models.Template, bodyText, createdBy string) (*models.TemplateVersion, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, errors.NewValidationError("name", "is required")
	}
	if strings.TrimSpace(bodyText) == "" {
		return nil, errors.NewValidationError("body_text", "is required")
	}
	if t.Category == "" {
		t.Category = models.CategoryOther
	}
	if !t.Category.Valid() {
		return nil, errors.NewValidationError("category", fmt.Sprintf("unknown category %q", t.Category))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t.ID = uuid.New().String()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	_, err = tx.ExecContext(ctx, `
		INSERT INTO templates (id, consultant_id, name, category, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConsultantID, t.Name, t.Category, t.Description, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	v := &models.TemplateVersion{
		ID:            uuid.New().String(),
		TemplateID:    t.ID,
		VersionNumber: 1,
		BodyText:      bodyText,
		IsActive:      true,
		RowVersion:    1,
		CreatedBy:     createdBy,
		CreatedAt:     t.CreatedAt,
	}
	if err := insertVersion(ctx, tx, v); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, v *models.TemplateVersion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO template_versions (id, template_id, version_number, body_text, is_active, row_version, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TemplateID, v.VersionNumber, v.BodyText, v.IsActive, v.RowVersion, nullString(v.CreatedBy), v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template version: %w", err)
	}
	return nil
}

// GetByID returns a template with its active version
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.TemplateWithVersion, error) {
	t := &models.TemplateWithVersion{}
	var (
		desc     sql.NullString
		archived sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, consultant_id, name, category, description, archived_at, created_at, updated_at
		FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.ConsultantID, &t.Name, &t.Category, &desc, &archived, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("template", id)
	}
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	if archived.Valid {
		at := archived.Time
		t.ArchivedAt = &at
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+versionColumns+`
		FROM template_versions v WHERE v.template_id = ? AND v.is_active = 1`, id)
	active, err := scanVersion(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	t.Active = active
	return t, nil
}

// List returns templates with their active versions
func (r *TemplateRepository) List(ctx context.Context, filter models.TemplateListFilter) ([]models.TemplateWithVersion, error) {
	query := `
		SELECT t.id, t.consultant_id, t.name, t.category, t.description, t.archived_at, t.created_at, t.updated_at
		FROM templates t WHERE 1=1`
	args := []any{}

	if filter.ConsultantID != "" {
		query += " AND t.consultant_id = ?"
		args = append(args, filter.ConsultantID)
	}
	if filter.Search != "" {
		query += " AND (t.name LIKE ? OR t.description LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}
	if !filter.IncludeArchived {
		query += " AND t.archived_at IS NULL"
	}

	query += " ORDER BY t.updated_at DESC, t.id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	templates := []models.TemplateWithVersion{}
	for rows.Next() {
		var (
			t        models.TemplateWithVersion
			desc     sql.NullString
			archived sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.ConsultantID, &t.Name, &t.Category, &desc, &archived, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.Description = desc.String
		if archived.Valid {
			at := archived.Time
			t.ArchivedAt = &at
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range templates {
		row := r.db.QueryRowContext(ctx, `SELECT `+versionColumns+`
			FROM template_versions v WHERE v.template_id = ? AND v.is_active = 1`, templates[i].ID)
		active, err := scanVersion(row)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		templates[i].Active = active
	}

	return templates, nil
}

// CreateVersion adds a new version and makes it the active one. The new
// version starts without a remote counterpart.
func (r *TemplateRepository) CreateVersion(ctx context.Context, templateID, bodyText, createdBy string) (*models.TemplateVersion, error) {
	if strings.TrimSpace(bodyText) == "" {
		return nil, errors.NewValidationError("body_text", "is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version_number), 0) FROM template_versions WHERE template_id = ?", templateID).Scan(&current)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, errors.NewNotFoundError("template", templateID)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE template_versions SET is_active = 0, row_version = row_version + 1 WHERE template_id = ? AND is_active = 1", templateID); err != nil {
		return nil, fmt.Errorf("failed to deactivate previous version: %w", err)
	}

	v := &models.TemplateVersion{
		ID:            uuid.New().String(),
		TemplateID:    templateID,
		VersionNumber: current + 1,
		BodyText:      bodyText,
		IsActive:      true,
		RowVersion:    1,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now(),
	}
	if err := insertVersion(ctx, tx, v); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE templates SET updated_at = ? WHERE id = ?", v.CreatedAt, templateID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

// GetVersions returns all versions of a template, newest first
func (r *TemplateRepository) GetVersions(ctx context.Context, templateID string) ([]models.TemplateVersion, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+versionColumns+`
		FROM template_versions v WHERE v.template_id = ? ORDER BY v.version_number DESC`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := []models.TemplateVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// Archive soft-deletes a template
func (r *TemplateRepository) Archive(ctx context.Context, id string) error {
	return r.setArchived(ctx, id, sql.NullTime{Time: time.Now(), Valid: true})
}

// Restore clears the archived mark
func (r *TemplateRepository) Restore(ctx context.Context, id string) error {
	return r.setArchived(ctx, id, sql.NullTime{})
}

func (r *TemplateRepository) setArchived(ctx context.Context, id string, at sql.NullTime) error {
	res, err := r.db.ExecContext(ctx, "UPDATE templates SET archived_at = ?, updated_at = ? WHERE id = ?", at, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("template", id)
	}
	return nil
}

// Delete removes a template that was never exported. Templates with a remote
// counterpart can only be archived.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exported int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM template_versions WHERE template_id = ? AND remote_id IS NOT NULL", id).Scan(&exported); err != nil {
		return err
	}
	if exported > 0 {
		return fmt.Errorf("template %s has %d exported versions, archive it instead: %w", id, exported, errors.ErrConflict)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM templates WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("template", id)
	}
	return tx.Commit()
}

const localColumns = `t.id, t.consultant_id, t.name, t.category, t.archived_at IS NOT NULL, v.id, v.version_number,
	v.is_active, v.body_text, v.remote_id, v.remote_state, v.agent_id, v.row_version, v.last_synced_at`

func scanLocal(rows *sql.Rows) (models.LocalTemplate, error) {
	var (
		lt                       models.LocalTemplate
		remoteID, state, agentID sql.NullString
		syncedAt                 sql.NullTime
	)
	err := rows.Scan(&lt.TemplateID, &lt.ConsultantID, &lt.Name, &lt.Category, &lt.Archived, &lt.VersionID, &lt.Version,
		&lt.Active, &lt.BodyText, &remoteID, &state, &agentID, &lt.RowVersion, &syncedAt)
	if err != nil {
		return lt, err
	}
	lt.RemoteID = remoteID.String
	lt.RemoteState = models.ApprovalState(state.String)
	lt.AgentID = agentID.String
	if syncedAt.Valid {
		t := syncedAt.Time
		lt.LastSyncedAt = &t
	}
	return lt, nil
}

func (r *TemplateRepository) queryLocal(ctx context.Context, where string, args ...any) ([]models.LocalTemplate, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+localColumns+`
		FROM template_versions v JOIN templates t ON t.id = v.template_id
		WHERE `+where+` ORDER BY t.id, v.version_number`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.LocalTemplate{}
	for rows.Next() {
		lt, err := scanLocal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, lt)
	}
	return result, rows.Err()
}

// ListForAgent returns the consultant's versions in scope for one agent: active
// versions never exported, plus every version exported through the agent.
func (r *TemplateRepository) ListForAgent(ctx context.Context, consultantID, agentID string) ([]models.LocalTemplate, error) {
	return r.queryLocal(ctx,
		"t.consultant_id = ? AND ((v.is_active = 1 AND v.remote_id IS NULL) OR (v.remote_id IS NOT NULL AND v.agent_id = ?))",
		consultantID, agentID)
}

// ListExportedForAgent returns every version with a remote counterpart in the
// agent's sub-account, active or not.
func (r *TemplateRepository) ListExportedForAgent(ctx context.Context, agentID string) ([]models.LocalTemplate, error) {
	return r.queryLocal(ctx, "v.agent_id = ? AND v.remote_id IS NOT NULL", agentID)
}

// GetActive returns the flattened active version of a template
func (r *TemplateRepository) GetActive(ctx context.Context, templateID string) (*models.LocalTemplate, error) {
	result, err := r.queryLocal(ctx, "t.id = ? AND v.is_active = 1", templateID)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, errors.NewNotFoundError("template", templateID)
	}
	return &result[0], nil
}

// FindByRemoteID returns the version bound to remoteID, or nil if none is.
func (r *TemplateRepository) FindByRemoteID(ctx context.Context, remoteID string) (*models.LocalTemplate, error) {
	result, err := r.queryLocal(ctx, "v.remote_id = ?", remoteID)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return &result[0], nil
}

// UpdateRemoteState writes the remote id and state of one version. The write
// only applies if the row is still at ExpectedRowVersion, otherwise
// ErrConflict is returned and nothing changes.
func (r *TemplateRepository) UpdateRemoteState(ctx context.Context, u models.RemoteStateUpdate) error {
	if u.RemoteID == "" || u.State == models.StateNone {
		return errors.NewValidationError("remote_state", "remote id and state must both be set")
	}
	if !u.State.Valid() {
		return errors.NewValidationError("remote_state", fmt.Sprintf("unknown state %q", u.State))
	}
	if u.SyncedAt.IsZero() {
		u.SyncedAt = time.Now()
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE template_versions
		SET remote_id = ?, remote_state = ?, agent_id = ?, last_synced_at = ?, row_version = row_version + 1
		WHERE id = ? AND row_version = ?`,
		u.RemoteID, u.State, nullString(u.AgentID), u.SyncedAt, u.VersionID, u.ExpectedRowVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("remote id %s already bound to another version: %w", u.RemoteID, errors.ErrIdentityConflict)
		}
		return fmt.Errorf("failed to update remote state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM template_versions WHERE id = ?", u.VersionID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return errors.NewNotFoundError("template version", u.VersionID)
		}
		return fmt.Errorf("version %s changed since row version %d: %w", u.VersionID, u.ExpectedRowVersion, errors.ErrConflict)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
