package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/export"
	"github.com/JonMunkholm/pricefeed/internal/export/layout"
	"github.com/JonMunkholm/pricefeed/internal/ingest"
)

// ExportTemplates returns the client's and the global export templates for
// entityType (all types when empty).
func (s *Service) ExportTemplates(ctx context.Context, clientID int64, entityType string) ([]layout.Template, error) {
	return s.repo.ListExportTemplates(ctx, clientID, entityType)
}

// SaveExportTemplate validates and stores t.
func (s *Service) SaveExportTemplate(ctx context.Context, t *layout.Template) error {
	if t.EntityType == "" {
		t.EntityType = ingest.DefaultEntityType
	}
	if err := s.engine.ValidateTemplate(t); err != nil {
		return err
	}
	return s.repo.SaveExportTemplate(ctx, t)
}

func (s *Service) DeleteExportTemplate(ctx context.Context, id string) error {
	return s.repo.DeleteExportTemplate(ctx, id)
}

// ExportFields lists the fields an export of entityType can select.
func (s *Service) ExportFields(entityType string) ([]export.FieldInfo, error) {
	if entityType == "" {
		entityType = ingest.DefaultEntityType
	}
	primary, ok := entity.Get(entityType)
	if !ok || primary.Secondary() {
		return nil, &core.ValidationError{Entity: "export", Field: "entityType", Value: entityType, Message: "is not a primary entity type"}
	}
	return export.Fields(primary), nil
}

// resolveLayout returns the export template a request runs with: the one
// named by templateId, else the default for the client and entity type
// unless the request selects its own fields. It may return nil.
func (s *Service) resolveLayout(ctx context.Context, clientID int64, params core.Params) (*layout.Template, error) {
	if id := params.Get(core.ParamTemplateID, ""); id != "" {
		tpl, err := s.repo.GetExportTemplate(ctx, id)
		if err != nil {
			return nil, err
		}
		if !tpl.VisibleTo(clientID) {
			return nil, fmt.Errorf("export template %s: %w", id, core.ErrNotFound)
		}
		return tpl, nil
	}
	if params.Get(core.ParamFields, "") != "" {
		return nil, nil
	}
	tpl, err := s.repo.DefaultExportTemplate(ctx, clientID, params.Get(core.ParamEntityType, ingest.DefaultEntityType))
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	return tpl, err
}

// exportFields resolves the field selection of an export against its
// entity type so a bad selection is rejected before anything is queued.
func exportFields(params core.Params, tpl *layout.Template) ([]layout.Field, error) {
	fields := layout.ParseFields(params[core.ParamFields])
	if len(fields) == 0 && tpl != nil {
		fields = tpl.Fields
	}
	if len(fields) == 0 {
		return nil, nil
	}
	typeName := params.Get(core.ParamEntityType, ingest.DefaultEntityType)
	primary, ok := entity.Get(typeName)
	if !ok || primary.Secondary() {
		return nil, &core.ValidationError{Entity: "export", Field: "entityType", Value: typeName, Message: "is not a primary entity type"}
	}
	if _, err := export.Resolve(primary, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
