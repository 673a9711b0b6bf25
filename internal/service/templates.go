package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/pricefeed/internal/core"
	"github.com/JonMunkholm/pricefeed/internal/entity"
	"github.com/JonMunkholm/pricefeed/internal/format"
	"github.com/JonMunkholm/pricefeed/internal/ingest"
	"github.com/JonMunkholm/pricefeed/internal/mapping"
)

// detectSampleRows is the number of data rows returned by DetectFile.
const detectSampleRows = 5

// Templates returns the client's and the global templates for entityType
// (all types when empty).
func (s *Service) Templates(ctx context.Context, clientID int64, entityType string) ([]mapping.Template, error) {
	return s.repo.ListTemplates(ctx, clientID, entityType)
}

// SaveTemplate validates and stores t. Every active rule must target a
// known field and carry a compilable transform.
func (s *Service) SaveTemplate(ctx context.Context, t *mapping.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return &core.ValidationError{Entity: "template", Field: "name", Message: "name is required"}
	}
	if t.EntityType == "" {
		t.EntityType = ingest.DefaultEntityType
	}
	b, err := entity.NewBuilder(t.EntityType, t.ClientID)
	if err != nil {
		return &core.ValidationError{Entity: "template", Field: "entityType", Value: t.EntityType, Message: err.Error()}
	}

	for _, r := range t.ActiveRules() {
		if strings.TrimSpace(r.SourceColumn) == "" {
			return &core.ValidationError{Entity: "template", Field: "sourceColumn", Message: "rule has no source column"}
		}
		if _, _, ok := b.Resolve(r.Target()); !ok {
			return &core.MappingError{Columns: []string{r.SourceColumn}, Reason: "unknown target field " + r.Target()}
		}
		if r.Transform != "" {
			if _, err := mapping.CompileTransform(r.Transform); err != nil {
				return &core.MappingError{Columns: []string{r.SourceColumn}, Reason: err.Error()}
			}
		}
	}
	return s.repo.SaveTemplate(ctx, t)
}

// GenerateTemplate builds an unsaved template from the auto mapping of headers.
func (s *Service) GenerateTemplate(entityType string, clientID int64, headers []string) (*mapping.Template, error) {
	if entityType == "" {
		entityType = ingest.DefaultEntityType
	}
	b, err := entity.NewBuilder(entityType, clientID)
	if err != nil {
		return nil, &core.MappingError{Reason: err.Error()}
	}
	tpl := mapping.Generate(headers, b)
	tpl.ClientID = clientID
	return tpl, nil
}

// Detection previews how a file would be read and mapped.
type Detection struct {
	Strategy  string                `json:"strategy"`
	Format    format.DetectedFormat `json:"format"`
	Headers   []string              `json:"headers"`
	Sample    []map[string]string   `json:"sample"`
	Mapping   [][2]string           `json:"mapping"`
	Templates []mapping.Match       `json:"templates,omitempty"`
}

// DetectFile opens the file at path with the strategy the params select and
// reports its layout, the first rows, the auto mapping and the stored
// templates that match its headers.
func (s *Service) DetectFile(ctx context.Context, clientID int64, path, fileName string, params core.Params) (*Detection, error) {
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	strategy, err := s.strategies.Select(params.Get(core.ParamStrategyID, ""), fileName)
	if err != nil {
		return nil, err
	}
	reader, detected, err := strategy.Open(path, format.OptionsFromParams(params))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	d := &Detection{
		Strategy: strategy.ID(),
		Format:   detected,
		Headers:  reader.Header(),
	}
	for len(d.Sample) < detectSampleRows {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sample: %w", err)
		}
		d.Sample = append(d.Sample, row.Values)
	}

	entityType := params.Get(core.ParamEntityType, ingest.DefaultEntityType)
	b, err := entity.NewBuilder(entityType, clientID)
	if err != nil {
		return nil, &core.MappingError{Reason: err.Error()}
	}
	d.Mapping = mapping.Auto(d.Headers, b).Columns()

	list, err := s.repo.ListTemplates(ctx, clientID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	d.Templates = mapping.MatchTemplates(d.Headers, list)
	return d, nil
}
