package repository

import (
	"errors"
	"testing"

	apperrors "github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
)

func TestAgentRepository_CreateGet(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewAgentRepository(conn, testBox(t))

	a := &models.Agent{
		ConsultantID:   "c1",
		Name:           "Sales",
		SubAccountID:   "AC123",
		AuthToken:      "secret-token",
		WhatsAppNumber: "+390000000",
		BusinessName:   "Acme",
	}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var stored string
	if err := conn.QueryRow("SELECT auth_token_enc FROM agents WHERE id = ?", a.ID).Scan(&stored); err != nil {
		t.Fatalf("read token: %v", err)
	}
	if stored == "secret-token" || stored == "" {
		t.Errorf("auth token stored as %q, want sealed value", stored)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.AuthToken != "secret-token" {
		t.Errorf("AuthToken = %q, want secret-token", got.AuthToken)
	}
	if got.BusinessName != "Acme" || got.SubAccountID != "AC123" {
		t.Errorf("GetByID() = %+v", got)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want not found", err)
	}
}

func TestAgentRepository_MissingToken(t *testing.T) {
	repo := NewAgentRepository(setupTestDB(t), testBox(t))

	a := &models.Agent{ConsultantID: "c1", Name: "Support", SubAccountID: "AC1"}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	missing := got.MissingCredentials()
	if len(missing) != 2 || missing[0] != "auth token" || missing[1] != "whatsapp number" {
		t.Errorf("MissingCredentials() = %v", missing)
	}
}

func TestAgentRepository_Credentials(t *testing.T) {
	repo := NewAgentRepository(setupTestDB(t), testBox(t))

	a := &models.Agent{ConsultantID: "c1", Name: "Sales", SubAccountID: "AC1", AuthToken: "old", WhatsAppNumber: "+1"}
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.MarkCredentialsInvalid(ctx, a.ID, "provider rejected credentials"); err != nil {
		t.Fatalf("MarkCredentialsInvalid() error = %v", err)
	}
	got, _ := repo.GetByID(ctx, a.ID)
	if got.CredentialsInvalidReason != "provider rejected credentials" || got.CredentialsCheckedAt == nil {
		t.Errorf("after mark: reason=%q checked=%v", got.CredentialsInvalidReason, got.CredentialsCheckedAt)
	}

	if err := repo.UpdateCredentials(ctx, a.ID, models.CredentialsUpdate{AuthToken: "new"}); err != nil {
		t.Fatalf("UpdateCredentials() error = %v", err)
	}
	got, _ = repo.GetByID(ctx, a.ID)
	if got.AuthToken != "new" || got.SubAccountID != "AC1" {
		t.Errorf("after update: token=%q sub-account=%q", got.AuthToken, got.SubAccountID)
	}
	if got.CredentialsInvalidReason != "" {
		t.Errorf("invalid mark not cleared: %q", got.CredentialsInvalidReason)
	}

	if err := repo.UpdateCredentials(ctx, "missing", models.CredentialsUpdate{}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("UpdateCredentials(missing) error = %v, want not found", err)
	}
}

func TestAgentRepository_List(t *testing.T) {
	repo := NewAgentRepository(setupTestDB(t), testBox(t))

	for _, id := range []string{"b", "a", "c"} {
		if err := repo.Create(ctx, &models.Agent{ID: id, ConsultantID: "c1", Name: "agent " + id}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	agents, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(agents) != 3 || agents[0].ID != "a" || agents[2].ID != "c" {
		t.Errorf("List() order = %v", agents)
	}
}
