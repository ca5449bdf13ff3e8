package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/sessionforge/orchestrator/internal/models"
)

func TestTemplateServiceCreate(t *testing.T) {
	svc := NewTemplateService(newFakeStore())

	tpl := &models.Template{Name: "python-dev", Category: "dev"}
	require.NoError(t, svc.CreateTemplate(tpl))
	assert.NotEmpty(t, tpl.ID)

	got, err := svc.GetTemplate(tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "python-dev", got.Name)
}

func TestTemplateServiceValidation(t *testing.T) {
	svc := NewTemplateService(newFakeStore())

	assert.ErrorIs(t, svc.CreateTemplate(&models.Template{Name: "  "}), models.ErrInvalidInput)

	assert.ErrorIs(t, svc.CreateTemplate(&models.Template{
		Name:              "bad-ttl",
		DefaultTTLMinutes: 500,
		MaxTTLMinutes:     100,
	}), models.ErrInvalidInput)
}

func TestTemplateServiceUpdateDelete(t *testing.T) {
	svc := NewTemplateService(newFakeStore())

	tpl := &models.Template{Name: "node-dev"}
	require.NoError(t, svc.CreateTemplate(tpl))

	tpl.Description = "updated"
	require.NoError(t, svc.UpdateTemplate(tpl))

	got, err := svc.GetTemplate(tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	assert.ErrorIs(t, svc.UpdateTemplate(&models.Template{ID: "ghost"}), models.ErrTemplateNotFound)

	require.NoError(t, svc.DeleteTemplate(tpl.ID))
	_, err = svc.GetTemplate(tpl.ID)
	assert.ErrorIs(t, err, models.ErrTemplateNotFound)
}

func TestTemplateServiceListFilters(t *testing.T) {
	store := newFakeStore()
	svc := NewTemplateService(store)

	require.NoError(t, svc.CreateTemplate(&models.Template{
		Name:     "ml-gpu",
		Category: "ml",
		Tags:     datatypes.JSONSlice[string]{"gpu", "training"},
	}))
	require.NoError(t, svc.CreateTemplate(&models.Template{
		Name:             "enterprise-dev",
		Category:         "dev",
		AllowedUserTypes: datatypes.JSONSlice[string]{"enterprise"},
	}))

	ml, err := svc.ListTemplates("ml", models.UserTypeFree, nil)
	require.NoError(t, err)
	require.Len(t, ml, 1)
	assert.Equal(t, "ml-gpu", ml[0].Name)

	// a free user does not see enterprise-only templates
	dev, err := svc.ListTemplates("dev", models.UserTypeFree, nil)
	require.NoError(t, err)
	assert.Empty(t, dev)

	tagged, err := svc.ListTemplates("", models.UserTypeEnterprise, []string{"gpu"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "ml-gpu", tagged[0].Name)
}
