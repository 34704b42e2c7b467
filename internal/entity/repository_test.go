package entity

import (
	"context"
	"fmt"
	"testing"

	"workhub/internal/ref"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupEntityTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

func TestGetProjectPreloads(t *testing.T) {
	ctx := context.Background()
	db := setupEntityTestDB(t)
	repo := NewRepository(db)

	clientID := "client-1"
	require.NoError(t, db.Create(&Client{ID: clientID, TeamID: "team-1", Name: "Acme"}).Error)
	require.NoError(t, db.Create(&Project{ID: "p1", TeamID: "team-1", ClientID: &clientID, Name: "Site", Status: "active"}).Error)
	require.NoError(t, db.Create(&WorkOrder{ID: "wo-1", TeamID: "team-1", ProjectID: "p1", Title: "Copy", Status: "draft"}).Error)

	project, err := repo.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, project.Client)
	assert.Equal(t, "Acme", project.Client.Name)
	assert.Len(t, project.WorkOrders, 1)

	_, err = repo.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadEntityAndRegistry(t *testing.T) {
	ctx := context.Background()
	db := setupEntityTestDB(t)
	repo := NewRepository(db)
	require.NoError(t, db.Create(&WorkOrder{ID: "wo-1", TeamID: "team-1", Title: "Copy", Status: "review", Budget: 900, Tags: []string{"vip"}}).Error)

	e, err := repo.LoadEntity(ctx, ref.New(ref.TypeWorkOrder, "wo-1"))
	require.NoError(t, err)
	assert.Equal(t, "team-1", e.EntityTeamID())
	assert.Equal(t, ref.New(ref.TypeWorkOrder, "wo-1"), e.EntityRef())
	assert.Equal(t, 900.0, e.Attributes()["budget"])

	e, err = repo.LoadEntity(ctx, ref.New(ref.TypeDeliverable, "nope"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, e)

	_, err = repo.LoadEntity(ctx, ref.New("invoice", "x"))
	assert.ErrorIs(t, err, ref.ErrUnknownType)

	reg := ref.NewRegistry()
	repo.RegisterLoaders(reg)
	wo, err := ref.ResolveAs[*WorkOrder](ctx, reg, ref.New(ref.TypeWorkOrder, "wo-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, wo.Tags)
}
